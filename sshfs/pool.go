package sshfs

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/querystor/sshfs/fs"
)

// sessionPool is a bounded set of reusable SFTP sessions. Sessions are
// created lazily on the first borrow; borrow blocks while every session
// is out. The pool never holds duplicates and no session outlives the
// transport that created it.
type sessionPool struct {
	capacity int
	create   func() (*sftp.Client, error)

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*sftp.Client
	borrowed int
	filled   bool
	closed   bool
}

func newSessionPool(capacity int, create func() (*sftp.Client, error)) *sessionPool {
	if capacity < 1 {
		capacity = 1
	}
	p := &sessionPool{
		capacity: capacity,
		create:   create,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// fill creates the pool members sequentially. On failure the partially
// created pool is fully torn down and the error surfaced. Called with
// the lock held.
func (p *sessionPool) fill() error {
	for i := 0; i < p.capacity; i++ {
		c, err := p.create()
		if err != nil {
			for _, prev := range p.idle {
				_ = prev.Close()
			}
			p.idle = nil
			return errors.Wrapf(err, "creating SFTP session %d of %d", i+1, p.capacity)
		}
		p.idle = append(p.idle, c)
	}
	p.filled = true
	return nil
}

// borrow takes a session out of the pool, blocking until one is idle
func (p *sessionPool) borrow() (*sftp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fs.ErrNotConnected
	}
	if !p.filled {
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	for len(p.idle) == 0 {
		p.cond.Wait()
		if p.closed {
			return nil, fs.ErrNotConnected
		}
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	p.borrowed++
	return c, nil
}

// giveBack returns a borrowed session and wakes one waiter
func (p *sessionPool) giveBack(c *sftp.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.borrowed--
	p.cond.Signal()
}

// drain shuts every idle session down and refuses further borrows.
// Sessions still out die with the transport.
func (p *sessionPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
	p.cond.Broadcast()
}

// stats reports the idle and borrowed counts, for tests
func (p *sessionPool) stats() (idle, borrowed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.borrowed
}
