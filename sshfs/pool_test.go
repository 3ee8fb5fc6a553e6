package sshfs

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeSFTPClient returns a real SFTP client wired to an in-process
// server over a pipe. The server exposes the local filesystem, so tests
// operate on temp directories.
func pipeSFTPClient(t *testing.T) *sftp.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server, err := sftp.NewServer(serverConn)
	require.NoError(t, err)
	go func() {
		_ = server.Serve()
	}()
	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = serverConn.Close()
	})
	return client
}

func TestPoolLazyFillAndReuse(t *testing.T) {
	var created int32
	p := newSessionPool(2, func() (*sftp.Client, error) {
		atomic.AddInt32(&created, 1)
		return pipeSFTPClient(t), nil
	})
	assert.Equal(t, int32(0), atomic.LoadInt32(&created))

	c1, err := p.borrow()
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created), "fill creates the whole pool")
	c2, err := p.borrow()
	require.NoError(t, err)
	assert.NotSame(t, c1, c2, "no duplicates")

	idle, borrowed := p.stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 2, borrowed)

	p.giveBack(c1)
	c3, err := p.borrow()
	require.NoError(t, err)
	assert.Same(t, c1, c3, "sessions are reused")
	p.giveBack(c2)
	p.giveBack(c3)

	idle, borrowed = p.stats()
	assert.Equal(t, 2, idle)
	assert.Equal(t, 0, borrowed)
	assert.Equal(t, int32(2), atomic.LoadInt32(&created), "no sessions created beyond capacity")
	p.drain()
}

func TestPoolBorrowBlocksWhenEmpty(t *testing.T) {
	p := newSessionPool(1, func() (*sftp.Client, error) {
		return pipeSFTPClient(t), nil
	})
	c, err := p.borrow()
	require.NoError(t, err)

	got := make(chan *sftp.Client, 1)
	go func() {
		c2, err := p.borrow()
		if err == nil {
			got <- c2
		}
	}()
	select {
	case <-got:
		t.Fatal("borrow succeeded while every session was out")
	case <-time.After(50 * time.Millisecond):
	}
	p.giveBack(c)
	select {
	case c2 := <-got:
		assert.Same(t, c, c2)
		p.giveBack(c2)
	case <-time.After(2 * time.Second):
		t.Fatal("borrow did not wake after giveBack")
	}
	p.drain()
}

func TestPoolFillFailureTearsDown(t *testing.T) {
	var created int32
	p := newSessionPool(3, func() (*sftp.Client, error) {
		if atomic.AddInt32(&created, 1) == 2 {
			return nil, errors.New("server refused the session")
		}
		return pipeSFTPClient(t), nil
	})
	_, err := p.borrow()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session 2 of 3")
	idle, borrowed := p.stats()
	assert.Equal(t, 0, idle, "partially created pool is torn down")
	assert.Equal(t, 0, borrowed)
}

func TestPoolDrainWakesWaiters(t *testing.T) {
	p := newSessionPool(1, func() (*sftp.Client, error) {
		return pipeSFTPClient(t), nil
	})
	c, err := p.borrow()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.borrow()
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	p.drain()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Error(t, err)
	}
	p.giveBack(c) // returned after drain gets closed, not pooled
	idle, _ := p.stats()
	assert.Equal(t, 0, idle)
}
