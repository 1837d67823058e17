package sftp

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/williamconnell/angry-ftp/filesystem"
	"github.com/williamconnell/angry-ftp/tools"
)

// statFS is implemented by filesystems that can report disk usage.
type statFS interface {
	StatFS(name string) (*sftp.StatVFS, error)
}

// Sessions serves the sftp requests of one SSH channel.
type Sessions struct {
	fs       filesystem.FS
	logger   *slog.Logger
	UserInfo ssh.ConnMetadata
}

var (
	_ sftp.FileReader           = &Sessions{}
	_ sftp.FileWriter           = &Sessions{}
	_ sftp.FileCmder            = &Sessions{}
	_ sftp.FileLister           = &Sessions{}
	_ sftp.PosixRenameFileCmder = &Sessions{}
	_ sftp.StatVFSFileCmder     = &Sessions{}
)

func NewFileSys(session *Sessions) sftp.Handlers {
	return sftp.Handlers{
		FileGet:  session,
		FilePut:  session,
		FileCmd:  session,
		FileList: session,
	}
}

func (s *Sessions) logRequest(name string, request *sftp.Request) {
	s.logger.Debug(name,
		"method", request.Method,
		"filepath", request.Filepath,
		"attrs", tools.Printable(request.Attrs),
		"flags", request.Flags,
		"target", request.Target,
	)
}

func (s *Sessions) Fileread(request *sftp.Request) (io.ReaderAt, error) {
	s.logRequest("Fileread", request)

	file, err := s.fs.Open(request.Filepath)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	return file, nil
}

func (s *Sessions) Filewrite(request *sftp.Request) (io.WriterAt, error) {
	s.logRequest("Filewrite", request)

	flags := os.O_WRONLY | os.O_CREATE
	pflags := request.Pflags()
	if pflags.Read {
		flags = os.O_RDWR | os.O_CREATE
	}
	if pflags.Trunc {
		flags |= os.O_TRUNC
	}
	if pflags.Excl {
		flags |= os.O_EXCL
	}

	file, err := s.fs.OpenFile(request.Filepath, flags, 0o644)
	if err != nil {
		s.logger.Error("error opening file", "error", err)
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	return file, nil
}

func (s *Sessions) Filecmd(request *sftp.Request) error {
	s.logRequest("Filecmd", request)

	switch request.Method {
	case "Setstat":
		return s.setStat(request)

	case "Rename":
		// SFTP-v2: "It is an error if there already exists a file with the name specified by newpath."
		if _, err := s.fs.Lstat(request.Target); err == nil {
			return fs.ErrExist
		}
		return s.fs.Rename(request.Filepath, request.Target)

	case "Rmdir":
		if err := s.fs.CheckDir(request.Filepath); err != nil {
			return err
		}
		return s.fs.Remove(request.Filepath)

	case "Remove":
		// unlink semantics, directories go through Rmdir
		info, err := s.fs.Lstat(request.Filepath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s: is a directory", request.Filepath)
		}
		return s.fs.Remove(request.Filepath)

	case "Mkdir":
		return s.fs.MakeDir(request.Filepath)

	case "Symlink":
		// NOTE: r.Filepath is the target, and r.Target is the linkpath.
		return s.fs.Symlink(request.Filepath, request.Target)
	}

	return sftp.ErrSSHFxOpUnsupported
}

func (s *Sessions) setStat(request *sftp.Request) error {
	attrFlags := request.AttrFlags()
	attrs := request.Attributes()

	if attrFlags.Permissions {
		if err := s.fs.SetStat(request.Filepath, attrs.FileMode()); err != nil {
			return err
		}
	}
	if attrFlags.Acmodtime {
		if err := s.fs.ModifyTime(request.Filepath, time.Unix(int64(attrs.Mtime), 0)); err != nil {
			return err
		}
	}
	if attrFlags.Size {
		file, err := s.fs.OpenFile(request.Filepath, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		err = file.Truncate(int64(attrs.Size))
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		return err
	}
	return nil
}

// PosixRename renames and replaces an existing target.
func (s *Sessions) PosixRename(request *sftp.Request) error {
	s.logRequest("PosixRename", request)
	return s.fs.Rename(request.Filepath, request.Target)
}

func (s *Sessions) StatVFS(request *sftp.Request) (*sftp.StatVFS, error) {
	s.logRequest("StatVFS", request)

	statter, ok := s.fs.(statFS)
	if !ok {
		return nil, sftp.ErrSSHFxOpUnsupported
	}
	return statter.StatFS(request.Filepath)
}

type ListerAt []os.FileInfo

// ListAt Modeled after strings.Reader's ReadAt() implementation
func (f ListerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(f)) {
		return 0, io.EOF
	}
	n := copy(ls, f[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// linkInfo carries the destination of a symbolic link as its name, which is
// how the request server answers READLINK.
type linkInfo struct {
	os.FileInfo
	target string
}

func (l linkInfo) Name() string { return l.target }

func (s *Sessions) Filelist(request *sftp.Request) (sftp.ListerAt, error) {
	s.logRequest("Filelist", request)

	switch request.Method {
	case "List":
		entries, err := s.fs.Dir(request.Filepath)
		if err != nil {
			s.logger.Error("Filelist error", "error", err)
			return nil, fmt.Errorf("fileList error: %w", err)
		}
		return ListerAt(entries), nil

	case "Stat":
		entry, err := s.fs.Stat(request.Filepath)
		if err != nil {
			s.logger.Debug("fileStat error", "error", err)
			return nil, fmt.Errorf("fileStat error: %w", err)
		}
		return ListerAt{entry}, nil

	case "Lstat":
		entry, err := s.fs.Lstat(request.Filepath)
		if err != nil {
			s.logger.Debug("lstat error", "error", err)
			return nil, fmt.Errorf("lstat error: %w", err)
		}
		return ListerAt{entry}, nil

	case "Readlink":
		entry, err := s.fs.Lstat(request.Filepath)
		if err != nil {
			return nil, err
		}
		target, err := s.fs.Readlink(request.Filepath)
		if err != nil {
			return nil, fmt.Errorf("readlink error: %w", err)
		}
		return ListerAt{linkInfo{FileInfo: entry, target: target}}, nil
	}

	return nil, sftp.ErrSSHFxOpUnsupported
}
