package sshfs

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/querystor/sshfs/fs"
)

// writeHandle streams a file to the remote as a sequence of appended
// chunks. The producer fills an accumulating buffer; full chunks are
// sealed with a monotone part index and handed to uploader goroutines,
// at most maxUploads in flight. Part 0 opens the destination with
// create-and-truncate, every later part opens with append, so the file
// is assembled in place with no temporaries. The server must see the
// chunks land in part order, so each uploader waits for its turn before
// touching the wire.
//
// A writeHandle is not safe for concurrent Writes from multiple
// goroutines.
type writeHandle struct {
	f      *Fs
	remote string // display name
	path   string // resolved remote path

	chunkSize int
	buf       []byte
	part      int64 // next part index to seal

	// upload puts one sealed chunk on the wire. Split out so the
	// pipeline is testable without a server.
	upload func(part int64, data []byte) error

	sem    *semaphore.Weighted // bounds uploads in flight
	ctx    context.Context     // cancelled on first error
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond // signalled when an upload finishes or fails
	commit int64      // next part index allowed on the wire
	err    error      // first uploader failure
	hasErr int32      // atomic mirror of err != nil

	closed bool

	chunksEmitted  int64 // atomic
	chunksUploaded int64 // atomic
	bytesUploaded  int64 // atomic
}

// newWriteHandle opens remote for streaming writing via t
func (f *Fs) newWriteHandle(remote string) *writeHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &writeHandle{
		f:         f,
		remote:    remote,
		path:      f.resolve(remote),
		chunkSize: f.opt.ChunkSize,
		buf:       make([]byte, 0, f.opt.ChunkSize),
		sem:       semaphore.NewWeighted(int64(f.opt.MaxUploads)),
		ctx:       ctx,
		cancel:    cancel,
	}
	h.cond = sync.NewCond(&h.mu)
	h.upload = func(part int64, data []byte) error {
		return f.uploadChunk(h.path, part, data)
	}
	return h
}

// String identifies the handle in logs
func (h *writeHandle) String() string {
	return h.remote
}

// Write appends into the accumulating buffer, sealing and dispatching a
// chunk every time the buffer reaches the chunk size. It blocks while
// maxUploads chunks are already in flight.
func (h *writeHandle) Write(p []byte) (n int, err error) {
	if h.closed {
		return 0, errors.New("write on closed handle")
	}
	if err := h.firstError(); err != nil {
		return 0, err
	}
	for len(p) > 0 {
		space := h.chunkSize - len(h.buf)
		if space > len(p) {
			space = len(p)
		}
		h.mu.Lock()
		h.buf = append(h.buf, p[:space]...)
		h.mu.Unlock()
		p = p[space:]
		n += space
		if len(h.buf) == h.chunkSize {
			if err := h.seal(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// seal flips the accumulating buffer into a sealed chunk and dispatches
// it to an uploader
func (h *writeHandle) seal() error {
	h.mu.Lock()
	data := h.buf
	h.buf = make([]byte, 0, h.chunkSize)
	part := h.part
	h.part++
	h.mu.Unlock()
	atomic.AddInt64(&h.chunksEmitted, 1)
	return h.dispatch(part, data)
}

// dispatch blocks until upload capacity is free, then starts an
// uploader for the chunk. The semaphore is the sole producer-side
// backpressure; its context is cancelled when an uploader fails so a
// blocked producer wakes up and sees the error.
func (h *writeHandle) dispatch(part int64, data []byte) error {
	if err := h.sem.Acquire(h.ctx, 1); err != nil {
		if ferr := h.firstError(); ferr != nil {
			return ferr
		}
		return err
	}
	if err := h.firstError(); err != nil {
		h.sem.Release(1)
		return err
	}
	h.wg.Add(1)
	go h.uploader(part, data)
	return nil
}

// uploader runs one chunk to completion. It waits until every earlier
// part has landed, uploads, then advances the commit index. The first
// failure is captured once; later uploaders finish their teardown
// without overwriting it.
func (h *writeHandle) uploader(part int64, data []byte) {
	defer h.wg.Done()
	defer h.sem.Release(1)

	h.mu.Lock()
	for h.commit != part && h.err == nil {
		h.cond.Wait()
	}
	if h.err != nil {
		h.mu.Unlock()
		h.cond.Broadcast()
		return
	}
	h.mu.Unlock()

	err := h.upload(part, data)

	h.mu.Lock()
	if err != nil {
		if h.err == nil {
			h.err = errors.Wrapf(err, "upload of part %d failed", part)
			atomic.StoreInt32(&h.hasErr, 1)
			h.cancel()
		}
	} else {
		h.commit++
		atomic.AddInt64(&h.chunksUploaded, 1)
		atomic.AddInt64(&h.bytesUploaded, int64(len(data)))
		fs.Debugf(h, "uploaded part %d (%d bytes)", part, len(data))
	}
	h.cond.Broadcast()
	h.mu.Unlock()
}

// firstError returns the captured first uploader failure, if any
func (h *writeHandle) firstError() error {
	if atomic.LoadInt32(&h.hasErr) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Sync dispatches the accumulating buffer even if short
func (h *writeHandle) Sync() error {
	if err := h.firstError(); err != nil {
		return err
	}
	h.mu.Lock()
	empty := len(h.buf) == 0
	h.mu.Unlock()
	if empty {
		return nil
	}
	return h.seal()
}

// Close flushes, waits for every dispatched uploader to finish, and
// raises the first captured error. An empty handle still creates the
// destination file.
func (h *writeHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.Sync()
	if err == nil && atomic.LoadInt64(&h.chunksEmitted) == 0 {
		// Nothing was ever written: emit an empty part 0 so the
		// destination exists and is truncated.
		atomic.AddInt64(&h.chunksEmitted, 1)
		err = h.dispatch(0, nil)
		h.mu.Lock()
		h.part = 1
		h.mu.Unlock()
	}
	h.wg.Wait()
	h.cancel()
	if ferr := h.firstError(); ferr != nil {
		return ferr
	}
	return err
}

// Read is not supported on a write handle
func (h *writeHandle) Read(p []byte) (int, error) {
	return 0, errors.New("handle is write-only")
}

// Seek only reports the current position (offset 0 from SeekCurrent);
// moving the cursor is not supported because the stream is append-only
func (h *writeHandle) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return h.Position(), nil
	}
	return 0, errors.New("cannot seek a streaming write handle")
}

// Truncate is not supported on a write handle
func (h *writeHandle) Truncate(size int64) error {
	return errors.New("cannot truncate a streaming write handle")
}

// Position returns the number of bytes accepted so far
func (h *writeHandle) Position() int64 {
	return h.Progress()
}

// Progress reports bytes landed plus bytes still accumulating
func (h *writeHandle) Progress() int64 {
	h.mu.Lock()
	buffered := int64(len(h.buf))
	h.mu.Unlock()
	return atomic.LoadInt64(&h.bytesUploaded) + buffered
}

var _ fs.Handle = (*writeHandle)(nil)
