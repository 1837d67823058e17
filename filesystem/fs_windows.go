//go:build windows

package filesystem

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/sys/windows"
)

// StatFS returns the status of the file system containing the file
func (FS *LocalFS) StatFS(name string) (*sftp.StatVFS, error) {
	realPath, err := FS.RealPath(name)
	if err != nil {
		return nil, err
	}

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes uint64
	drive, err := syscall.UTF16PtrFromString(filepath.VolumeName(realPath) + `\`)
	if err != nil {
		return nil, err
	}
	err = windows.GetDiskFreeSpaceEx(drive, &freeBytesAvailable, &totalNumberOfBytes, &totalNumberOfFreeBytes)
	if err != nil {
		return nil, err
	}

	// cluster size is not reported here
	bsize := uint64(4096)
	return &sftp.StatVFS{
		Bsize:   bsize,
		Frsize:  bsize,
		Blocks:  totalNumberOfBytes / bsize,
		Bfree:   totalNumberOfFreeBytes / bsize,
		Bavail:  freeBytesAvailable / bsize,
		Namemax: 255,
	}, nil
}

// Access reports whether the named file can be read, written and executed.
func (FS *LocalFS) Access(name string) (read, write, exec bool) {
	realPath, err := FS.RealPath(name)
	if err != nil {
		return false, false, false
	}
	attrs, err := windows.GetFileAttributes(windows.StringToUTF16Ptr(realPath))
	if err != nil {
		return false, false, false
	}
	read = true
	write = attrs&windows.FILE_ATTRIBUTE_READONLY == 0
	if attrs&windows.FILE_ATTRIBUTE_DIRECTORY != 0 {
		return read, write, true
	}
	switch strings.ToLower(filepath.Ext(realPath)) {
	case ".exe", ".bat", ".cmd", ".com":
		exec = true
	}
	if f, err := os.Open(realPath); err == nil {
		f.Close()
	} else {
		read = false
	}
	return
}
