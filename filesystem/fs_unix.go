//go:build unix

package filesystem

import (
	"golang.org/x/sys/unix"
)

// Access reports whether the current process may read, write and execute
// the named file.
func (FS *LocalFS) Access(name string) (read, write, exec bool) {
	realPath, err := FS.RealPath(name)
	if err != nil {
		return false, false, false
	}
	read = unix.Access(realPath, unix.R_OK) == nil
	write = unix.Access(realPath, unix.W_OK) == nil
	exec = unix.Access(realPath, unix.X_OK) == nil
	return
}
