package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// FS is the filesystem the FTP and SFTP servers serve from.
// Every name is a virtual, slash separated path rooted at "/". Implementations
// must never reach outside of their root no matter what name they are given.
type FS interface {
	// RootDir returns the real directory served as "/"
	RootDir() string
	// CheckDir returns an error unless the given directory exists
	CheckDir(dirName string) error
	// Dir returns the direct children of the given directory sorted by name
	Dir(dirName string) ([]os.FileInfo, error)
	// MakeDir creates a new directory with the given name
	MakeDir(dirName string) error
	// Open opens the file for reading
	Open(fileName string) (afero.File, error)
	// Create creates or truncates the file for writing
	Create(fileName string) (afero.File, error)
	// OpenFile opens the file with the given os flags
	OpenFile(fileName string, flag int, perm os.FileMode) (afero.File, error)
	// Remove removes the file or empty directory
	Remove(fileName string) error
	// Rename renames the file/folder or moves it to a different directory
	Rename(original string, target string) error
	// Stat returns the file info
	Stat(fileName string) (os.FileInfo, error)
	// Lstat returns the file info without following the link
	Lstat(fileName string) (os.FileInfo, error)
	// SetStat changes the file permissions
	SetStat(fileName string, mode os.FileMode) error
	// ModifyTime changes the file access and modification time
	ModifyTime(fileName string, t time.Time) error
	// Symlink creates a symbolic link pointing to a file or directory.
	Symlink(target string, linkName string) error
	// Readlink returns the destination of the named symbolic link.
	Readlink(linkName string) (string, error)
}

// ErrNotDir is returned by CheckDir when the path exists but is not a directory.
var ErrNotDir = errors.New("not a directory")

// Ensure that LocalFS implements the FS interface
var _ FS = &LocalFS{}

// LocalFS serves a directory of the local disk. All access goes through an
// afero base path filesystem, so a name can never resolve outside localDir.
type LocalFS struct {
	fs       afero.Fs
	base     *afero.BasePathFs
	localDir string
}

// NewLocalFS returns a LocalFS serving localDir as "/".
func NewLocalFS(localDir string) *LocalFS {
	if abs, err := filepath.Abs(localDir); err == nil {
		localDir = abs
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), localDir).(*afero.BasePathFs)
	return &LocalFS{
		fs:       base,
		base:     base,
		localDir: localDir,
	}
}

// RootDir returns the local directory served as "/"
func (FS *LocalFS) RootDir() string {
	return FS.localDir
}

// RealPath maps a virtual path to the path on the local disk.
func (FS *LocalFS) RealPath(name string) (string, error) {
	realPath, err := FS.base.RealPath(cleanPath(name))
	if err != nil {
		return "", fmt.Errorf("error resolving path: %w", err)
	}
	return realPath, nil
}

// CheckDir checks if the given directory exists
func (FS *LocalFS) CheckDir(dirName string) error {
	info, err := FS.fs.Stat(cleanPath(dirName))
	if err != nil {
		return fmt.Errorf("error checking directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("error checking directory %q: %w", dirName, ErrNotDir)
	}
	return nil
}

// Dir returns a list of files in the given directory
func (FS *LocalFS) Dir(dirName string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(FS.fs, cleanPath(dirName))
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}
	return entries, nil
}

// MakeDir creates a new directory with the given name
func (FS *LocalFS) MakeDir(dirName string) error {
	err := FS.fs.MkdirAll(cleanPath(dirName), 0777)
	if err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	return nil
}

// Open opens the file for reading
func (FS *LocalFS) Open(fileName string) (afero.File, error) {
	file, err := FS.fs.Open(cleanPath(fileName))
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	return file, nil
}

// Create creates or truncates the file for writing
func (FS *LocalFS) Create(fileName string) (afero.File, error) {
	return FS.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens the file with the given os flags
func (FS *LocalFS) OpenFile(fileName string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := FS.fs.OpenFile(cleanPath(fileName), flag, perm)
	if err != nil {
		return nil, fmt.Errorf("creating file error: %w", err)
	}
	return file, nil
}

// Remove removes the file
func (FS *LocalFS) Remove(fileName string) error {
	err := FS.fs.Remove(cleanPath(fileName))
	if err != nil {
		return fmt.Errorf("error removing file: %w", err)
	}
	return nil
}

// Rename renames the file or moves it to a different directory
func (FS *LocalFS) Rename(original, target string) error {
	err := FS.fs.Rename(cleanPath(original), cleanPath(target))
	if err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}

// Stat returns the file info
func (FS *LocalFS) Stat(fileName string) (os.FileInfo, error) {
	info, err := FS.fs.Stat(cleanPath(fileName))
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	return info, nil
}

// Lstat returns the file info without following the link
func (FS *LocalFS) Lstat(fileName string) (os.FileInfo, error) {
	info, _, err := FS.base.LstatIfPossible(cleanPath(fileName))
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	return info, nil
}

// SetStat changes the file permissions
func (FS *LocalFS) SetStat(fileName string, mode os.FileMode) error {
	if mode.Perm() == 0 {
		return errors.New("invalid permissions")
	}
	err := FS.fs.Chmod(cleanPath(fileName), mode.Perm())
	if err != nil {
		return fmt.Errorf("error changing file permissions: %w", err)
	}
	return nil
}

// ModifyTime changes the file modification time
func (FS *LocalFS) ModifyTime(fileName string, t time.Time) error {
	err := FS.fs.Chtimes(cleanPath(fileName), t, t)
	if err != nil {
		return fmt.Errorf("error changing file modification time: %w", err)
	}
	return nil
}

// Symlink creates a symbolic link pointing to a file or directory.
// A relative target is taken from the directory holding the link.
func (FS *LocalFS) Symlink(target string, linkName string) error {
	if !path.IsAbs(target) {
		target = path.Join(path.Dir(cleanPath(linkName)), target)
	}
	err := FS.base.SymlinkIfPossible(cleanPath(target), cleanPath(linkName))
	if err != nil {
		return fmt.Errorf("error creating symlink: %w", err)
	}
	return nil
}

// Readlink returns the virtual destination of the named symbolic link.
func (FS *LocalFS) Readlink(linkName string) (string, error) {
	target, err := FS.base.ReadlinkIfPossible(cleanPath(linkName))
	if err != nil {
		return "", fmt.Errorf("error reading symlink: %w", err)
	}
	rel, err := filepath.Rel(FS.localDir, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return target, nil
	}
	return cleanPath(filepath.ToSlash(rel)), nil
}

// IsNotExist reports whether err says the file or directory is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// cleanPath turns a virtual path into the rooted, cleaned form afero expects.
func cleanPath(name string) string {
	return path.Clean("/" + name)
}
