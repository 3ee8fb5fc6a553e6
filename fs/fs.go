// Package fs defines the file system surface exposed to an embedding
// engine, the connection options, error classification and logging
// helpers shared by the implementation packages.
package fs

import (
	"io"
	"os"
	"time"
)

// Handle is an open remote file. A Handle is not safe for concurrent use
// by multiple goroutines; reads and writes are totally ordered on the
// caller's goroutine.
type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Sync flushes any buffered data to the remote. For write handles
	// this dispatches the accumulating chunk even if short.
	Sync() error

	// Truncate changes the size of the remote file
	Truncate(size int64) error

	// Position returns the current cursor position
	Position() int64

	// Progress returns the number of bytes accepted so far: bytes
	// landed on the remote plus bytes still accumulating.
	Progress() int64
}

// Fs is the set of operations the embedding engine drives. Paths are
// remote native paths, home-relative unless absolute.
type Fs interface {
	// OpenRead opens path for positional reading
	OpenRead(path string) (Handle, error)

	// OpenWrite opens path for streaming writing, truncating any
	// existing file once the first chunk lands.
	OpenWrite(path string) (Handle, error)

	// FileExists reports whether a stat of path succeeds
	FileExists(path string) bool

	// DirExists reports whether path exists and is a directory
	DirExists(path string) bool

	// Stat returns file metadata
	Stat(path string) (os.FileInfo, error)

	// Size returns the remote file size in bytes
	Size(path string) (int64, error)

	// ModTime returns the remote last modification time
	ModTime(path string) (time.Time, error)

	// Remove deletes a remote file
	Remove(path string) error

	// Move renames src to dst with atomic overwrite where supported
	Move(src, dst string) error

	// Mkdir creates a directory and any missing parents
	Mkdir(path string) error

	// Rmdir removes an empty directory
	Rmdir(path string) error

	// Truncate sets the size of the remote file
	Truncate(path string, size int64) error

	// Glob returns the paths matching pattern. Only exact paths are
	// supported: the result is the pattern itself when it exists.
	Glob(pattern string) []string

	// CanSeek reports whether handles support Seek
	CanSeek() bool

	// OnDisk reports whether files live on local disk
	OnDisk() bool
}
