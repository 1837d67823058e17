//go:build !linux && !darwin && !windows && !plan9

package filesystem

import (
	"fmt"
	"runtime"
	"syscall"

	"github.com/pkg/sftp"
)

// StatFS is not supported on this platform
func (FS *LocalFS) StatFS(name string) (*sftp.StatVFS, error) {
	return nil, fmt.Errorf("%w unsupported OS: %s", syscall.ENOTSUP, runtime.GOOS)
}
