package ftp

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

// listOwner is printed as both owner and group of every listed entry.
const listOwner = "ftp"

// recentWindow decides between the "HH:MM" and the year form of the date column.
const recentWindow = 180 * 24 * time.Hour

// accessChecker is implemented by filesystems that can tell whether the
// server may read, write and execute a file. It is used when an entry carries
// no permission bits.
type accessChecker interface {
	Access(name string) (read, write, exec bool)
}

// permissionFlags returns the nine rwx characters for the entry at virtualPath.
func permissionFlags(info fs.FileInfo, virtualPath string, checker accessChecker) string {
	if perm := info.Mode().Perm(); perm != 0 || checker == nil {
		// FileMode.String renders the type character first
		return perm.String()[1:]
	}

	read, write, exec := checker.Access(virtualPath)
	triplet := []byte("---")
	if read {
		triplet[0] = 'r'
	}
	if write {
		triplet[1] = 'w'
	}
	if exec {
		triplet[2] = 'x'
	}
	return strings.Repeat(string(triplet), 3)
}

// listLine renders one entry of a LIST reply in the "ls -l" layout, without line terminator.
func listLine(info fs.FileInfo, flags string, now time.Time) string {
	kind := "-"
	if info.IsDir() {
		kind = "d"
	}

	modTime := info.ModTime().UTC()
	layout := "Jan 02 15:04"
	if now.Sub(modTime) > recentWindow {
		layout = "Jan 02  2006"
	}

	return fmt.Sprintf("%s%s   1 %-10s %-10s %10d %s %s",
		kind, flags, listOwner, listOwner, info.Size(), modTime.Format(layout), info.Name())
}

// listLines renders the entries of the directory at dirPath.
func listLines(dirPath string, entries []fs.FileInfo, checker accessChecker, now time.Time) []string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		flags := permissionFlags(entry, path.Join(dirPath, entry.Name()), checker)
		lines = append(lines, listLine(entry, flags, now))
	}
	return lines
}

// stripListOptions drops leading "ls" style option words such as "-la"
// that clients put in front of the LIST path.
func stripListOptions(arg string) string {
	for {
		arg = strings.TrimSpace(arg)
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		word, rest, _ := strings.Cut(arg, " ")
		if word == "-" {
			return arg
		}
		arg = rest
	}
}
