package sshfs

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/querystor/sshfs/fs"
)

// Inner read size for the SFTP path. Reads loop in chunks of this size
// until the caller's buffer is full or EOF.
const readChunkSize = 32 * 1024

// readHandle is a position-addressed reader over one remote file.
// Reads fill the whole buffer except at end of file. The handle uses a
// server-side byte extraction command when the transport supports it,
// falling back to seek-and-read over a pooled SFTP session otherwise.
type readHandle struct {
	f      *Fs
	remote string
	path   string
	size   int64
	pos    int64
	closed bool

	// readAt fills p from the given offset, returning short only at
	// EOF. Split out so cursor semantics are testable without a
	// server.
	readAt func(p []byte, off int64) (int, error)
}

// newReadHandle opens remote for reading. The file is stat'd up front
// so EOF can be detected without touching the wire.
func (f *Fs) newReadHandle(remote string) (*readHandle, error) {
	h := &readHandle{
		f:      f,
		remote: remote,
		path:   f.resolve(remote),
	}
	info, err := f.Stat(remote)
	if err != nil {
		return nil, err
	}
	h.size = info.Size()
	h.readAt = h.remoteReadAt
	return h, nil
}

// String identifies the handle in logs
func (h *readHandle) String() string {
	return h.remote
}

// Read reads up to len(p) bytes at the cursor, advancing it by the
// amount read. Short reads happen only at end of file; at EOF it
// returns 0, io.EOF and the cursor does not move.
func (h *readHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, errors.New("read on closed handle")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.pos >= h.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if remaining := h.size - h.pos; want > remaining {
		want = remaining
	}
	n, err := h.readAt(p[:want], h.pos)
	h.pos += int64(n)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// remoteReadAt picks the fast path when the transport still allows
// command execution, the SFTP path otherwise.
func (h *readHandle) remoteReadAt(p []byte, off int64) (int, error) {
	if h.f.t.CanExecuteCommands() {
		n, err := h.readViaCommand(p, off)
		if err == nil {
			return n, nil
		}
		// A refused channel disables the fast path for the rest of
		// the transport's lifetime; any other failure just falls
		// back for this call.
		if fs.IsKind(err, fs.KindExhausted) {
			h.f.t.disableCommands()
		}
		fs.Debugf(h, "command read failed, using SFTP: %v", err)
	}
	return h.readViaSFTP(p, off)
}

// readViaCommand extracts len(p) bytes at off with a single remote
// command, avoiding session and open-file overhead.
func (h *readHandle) readViaCommand(p []byte, off int64) (int, error) {
	cmd := fmt.Sprintf("dd if=%s bs=%d skip=%d count=%d iflag=skip_bytes,count_bytes",
		shellEscape(h.path), readChunkSize, off, len(p))
	out, err := h.f.t.ExecuteCommand(cmd)
	if err != nil {
		return 0, err
	}
	return copy(p, out), nil
}

// readViaSFTP opens the file on a pooled session, seeks, and reads in
// inner chunks until p is full or EOF. Reads on a transport are
// serialised because the underlying session is not concurrency safe.
func (h *readHandle) readViaSFTP(p []byte, off int64) (n int, err error) {
	h.f.t.readMu.Lock()
	defer h.f.t.readMu.Unlock()
	err = h.f.t.withSFTP(func(c *sftp.Client) error {
		file, err := c.Open(h.path)
		if err != nil {
			return h.f.remoteErr("open", h.remote, err)
		}
		defer func() {
			_ = file.Close()
		}()
		if _, err := file.Seek(off, io.SeekStart); err != nil {
			return h.f.remoteErr("seek", h.remote, err)
		}
		for n < len(p) {
			limit := n + readChunkSize
			if limit > len(p) {
				limit = len(p)
			}
			m, err := file.Read(p[n:limit])
			n += m
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return h.f.remoteErr("read", h.remote, err)
			}
		}
		return nil
	})
	return n, err
}

// Seek moves the cursor. Seeking past EOF is allowed; the next read
// returns 0 bytes.
func (h *readHandle) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = h.pos + offset
	case io.SeekEnd:
		pos = h.size + offset
	default:
		return 0, errors.Errorf("unknown seek whence %d", whence)
	}
	if pos < 0 {
		return 0, errors.New("cannot seek before start of file")
	}
	h.pos = pos
	return pos, nil
}

// Write is not supported on a read handle
func (h *readHandle) Write(p []byte) (int, error) {
	return 0, errors.New("handle is read-only")
}

// Sync is a no-op for read handles
func (h *readHandle) Sync() error {
	return nil
}

// Truncate changes the size of the underlying file
func (h *readHandle) Truncate(size int64) error {
	if err := h.f.Truncate(h.remote, size); err != nil {
		return err
	}
	h.size = size
	return nil
}

// Position returns the cursor position
func (h *readHandle) Position() int64 {
	return h.pos
}

// Progress reports the cursor position for read handles
func (h *readHandle) Progress() int64 {
	return h.pos
}

// Close releases the handle. Read handles hold no remote state between
// calls, so this only marks the handle unusable.
func (h *readHandle) Close() error {
	h.closed = true
	return nil
}

var _ fs.Handle = (*readHandle)(nil)

var shellEscapeRegex = regexp.MustCompile("[^A-Za-z0-9_.,:/\\@\\x{0080}-\\x{10FFFF}\n-]")

// shellEscape escapes a path so it cannot cause unintended behaviour
// when embedded in a remote command line.
func shellEscape(str string) string {
	safe := shellEscapeRegex.ReplaceAllString(str, `\$0`)
	return strings.Replace(safe, "\n", "'\n'", -1)
}
