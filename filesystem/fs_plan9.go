package filesystem

import (
	"fmt"
	"runtime"
	"syscall"

	"github.com/pkg/sftp"
)

// StatFS is not supported on plan9
func (FS *LocalFS) StatFS(name string) (*sftp.StatVFS, error) {
	return nil, fmt.Errorf("%w unsupported OS: %s", syscall.EPLAN9, runtime.GOOS)
}

// Access falls back to the owner permission bits.
func (FS *LocalFS) Access(name string) (read, write, exec bool) {
	info, err := FS.Stat(name)
	if err != nil {
		return false, false, false
	}
	perm := info.Mode().Perm()
	return perm&0400 != 0, perm&0200 != 0, perm&0100 != 0
}
