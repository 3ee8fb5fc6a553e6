// Package sshfs presents files reachable over SSH/SFTP as a streamable
// byte-oriented store. Transports are pooled per endpoint and reused;
// writes stream as appended chunks; reads are position addressed. The
// design targets servers that enforce tight limits on concurrent
// sessions and channels.
package sshfs

import (
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/querystor/sshfs/fs"
)

// Fs maps the engine's file operations onto one endpoint's transport.
// Paths given to its methods are remote native paths: home relative
// unless they start with a slash.
//
// Directory creation, removal and truncation always use SFTP primitives
// rather than command execution, so no remote path ever flows through a
// shell.
type Fs struct {
	remote    *Remote
	opt       fs.Options
	t         *Transport
	mkdirLock *pathLock
	home      string // server working directory, "" when unknown
}

// New connects (or reuses a pooled transport) for the endpoint in the
// given address. The address carries the user, host, port and an
// initial path; tunables come from opt.
func New(address string, opt fs.Options) (*Fs, error) {
	remote, err := ParseRemote(address)
	if err != nil {
		return nil, err
	}
	if remote.User != "" {
		opt.User = remote.User
	}
	opt.Host = remote.Host
	opt.Port = remote.Port
	if opt.User == "" {
		return nil, fs.NewError(fs.KindConfig, remote.Endpoint().String(), "",
			errors.New("no user in address and none configured"))
	}
	t, err := GetTransport(opt)
	if err != nil {
		return nil, err
	}
	f := &Fs{
		remote:    remote,
		opt:       t.opt,
		t:         t,
		mkdirLock: newPathLock(),
	}
	// Resolve the server's working directory so home relative paths
	// can be made absolute. Not fatal: relative paths still work.
	_ = t.withSFTP(func(c *sftp.Client) error {
		home, err := c.RealPath(".")
		if err == nil {
			f.home = home
		} else {
			fs.Debugf(f, "couldn't read working directory, using relative paths: %v", err)
		}
		return nil
	})
	return f, nil
}

// String identifies the Fs in logs
func (f *Fs) String() string {
	return f.remote.Endpoint().String()
}

// Path returns the path carried by the address the Fs was opened with
func (f *Fs) Path() string {
	return f.remote.Path
}

// resolve turns a home relative path into an absolute one when the
// server's working directory is known
func (f *Fs) resolve(remote string) string {
	if path.IsAbs(remote) || f.home == "" {
		return remote
	}
	return path.Join(f.home, remote)
}

// remoteErr wraps an SFTP failure with classification and context
func (f *Fs) remoteErr(op, remote string, err error) error {
	return fs.NewError(fs.KindRemoteIO, f.remote.Endpoint().String(), remote,
		errors.Wrapf(err, "%s failed", op))
}

// OpenRead opens remote for positional reading
func (f *Fs) OpenRead(remote string) (fs.Handle, error) {
	return f.newReadHandle(remote)
}

// OpenWrite opens remote for streaming writing. The destination is
// created (or truncated) when the first chunk lands.
func (f *Fs) OpenWrite(remote string) (fs.Handle, error) {
	return f.newWriteHandle(remote), nil
}

// uploadChunk puts one sealed chunk on the wire. Part 0 creates or
// truncates the destination after making sure the parent directories
// exist; later parts append. Chunks of one file must arrive in part
// order, which the transport upload mutex and the caller's turn-taking
// guarantee between them.
func (f *Fs) uploadChunk(remotePath string, part int64, data []byte) error {
	f.t.uploadMu.Lock()
	defer f.t.uploadMu.Unlock()
	return f.t.withSFTP(func(c *sftp.Client) error {
		flags := os.O_WRONLY | os.O_APPEND
		if part == 0 {
			if err := f.mkdirAllWith(c, path.Dir(remotePath)); err != nil {
				return err
			}
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		file, err := c.OpenFile(remotePath, flags)
		if err != nil {
			return f.remoteErr("open for write", remotePath, err)
		}
		n, err := file.Write(data)
		if err != nil {
			_ = file.Close()
			return f.remoteErr("write", remotePath, err)
		}
		if n < len(data) {
			_ = file.Close()
			return fs.NewError(fs.KindStalledWrite, f.remote.Endpoint().String(), remotePath,
				errors.Errorf("wrote %d of %d bytes", n, len(data)))
		}
		if err := file.Close(); err != nil {
			return f.remoteErr("close", remotePath, err)
		}
		return nil
	})
}

// mkdirAllWith creates dirPath and any missing parents over an already
// borrowed session. "Already exists" is not an error.
func (f *Fs) mkdirAllWith(c *sftp.Client, dirPath string) error {
	if dirPath == "." || dirPath == "/" || dirPath == "" {
		return nil
	}
	f.mkdirLock.Lock(dirPath)
	defer f.mkdirLock.Unlock(dirPath)
	if info, err := c.Stat(dirPath); err == nil {
		if info.IsDir() {
			return nil
		}
		return f.remoteErr("mkdir", dirPath, errors.New("path exists and is not a directory"))
	}
	if err := f.mkdirAllWith(c, path.Dir(dirPath)); err != nil {
		return err
	}
	if err := c.Mkdir(dirPath); err != nil {
		// A concurrent creator winning the race is fine
		if info, statErr := c.Stat(dirPath); statErr == nil && info.IsDir() {
			return nil
		}
		return f.remoteErr("mkdir", dirPath, err)
	}
	return nil
}

// Stat returns metadata for the remote path
func (f *Fs) Stat(remote string) (os.FileInfo, error) {
	var info os.FileInfo
	err := f.t.withSFTP(func(c *sftp.Client) error {
		var err error
		info, err = c.Stat(f.resolve(remote))
		if err != nil {
			return f.remoteErr("stat", remote, err)
		}
		return nil
	})
	return info, err
}

// Size returns the size of the remote file in bytes
func (f *Fs) Size(remote string) (int64, error) {
	info, err := f.Stat(remote)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ModTime returns the last modification time of the remote file
func (f *Fs) ModTime(remote string) (time.Time, error) {
	info, err := f.Stat(remote)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// FileExists reports whether a stat of remote succeeds. Any error
// classifies as "does not exist" at this layer.
func (f *Fs) FileExists(remote string) bool {
	_, err := f.Stat(remote)
	return err == nil
}

// DirExists reports whether remote exists and its permission bits say
// directory
func (f *Fs) DirExists(remote string) bool {
	info, err := f.Stat(remote)
	return err == nil && info.IsDir()
}

// Remove deletes the remote file
func (f *Fs) Remove(remote string) error {
	return f.t.withSFTP(func(c *sftp.Client) error {
		if err := c.Remove(f.resolve(remote)); err != nil {
			return f.remoteErr("remove", remote, err)
		}
		return nil
	})
}

// Move renames src to dst, preferring the posix-rename extension for
// its atomic overwrite semantics.
func (f *Fs) Move(src, dst string) error {
	return f.t.withSFTP(func(c *sftp.Client) error {
		srcPath, dstPath := f.resolve(src), f.resolve(dst)
		var err error
		if _, ok := c.HasExtension("posix-rename@openssh.com"); ok {
			err = c.PosixRename(srcPath, dstPath)
		} else {
			err = c.Rename(srcPath, dstPath)
		}
		if err != nil {
			return f.remoteErr("rename", src, err)
		}
		return nil
	})
}

// Mkdir creates the directory and any missing parents. Creating an
// existing directory is a no-op.
func (f *Fs) Mkdir(remote string) error {
	return f.t.withSFTP(func(c *sftp.Client) error {
		return f.mkdirAllWith(c, f.resolve(remote))
	})
}

// Rmdir removes an empty directory
func (f *Fs) Rmdir(remote string) error {
	return f.t.withSFTP(func(c *sftp.Client) error {
		if err := c.RemoveDirectory(f.resolve(remote)); err != nil {
			return f.remoteErr("rmdir", remote, err)
		}
		return nil
	})
}

// Truncate sets the size of the remote file using the SFTP setstat
// primitive
func (f *Fs) Truncate(remote string, size int64) error {
	return f.t.withSFTP(func(c *sftp.Client) error {
		if err := c.Truncate(f.resolve(remote), size); err != nil {
			return f.remoteErr("truncate", remote, err)
		}
		return nil
	})
}

// Glob returns the paths matching pattern. Wildcard expansion is not
// supported: the result is the pattern itself when it names an
// existing file.
func (f *Fs) Glob(pattern string) []string {
	if f.FileExists(pattern) {
		return []string{pattern}
	}
	return nil
}

// CanSeek reports that handles support Seek
func (f *Fs) CanSeek() bool {
	return true
}

// OnDisk reports that files do not live on local disk
func (f *Fs) OnDisk() bool {
	return false
}

// Transport exposes the underlying transport, mainly so callers can
// check command execution support.
func (f *Fs) Transport() *Transport {
	return f.t
}

var _ fs.Fs = (*Fs)(nil)
