package sshfs

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/querystor/sshfs/fs"
)

const (
	testUser = "tester"
	testPass = "hunter2"
)

// testServer is an in-process SSH server handling password auth, the
// sftp subsystem (served against the local filesystem) and, optionally,
// exec requests. Only "pwd" succeeds as a command; everything else
// exits non-zero, which conveniently exercises the read fallback.
type testServer struct {
	t            *testing.T
	ln           net.Listener
	config       *ssh.ServerConfig
	allowExec    bool
	authAttempts int32
	rejectConns  int32 // close this many raw connections before serving
}

func newTestServer(t *testing.T, allowExec bool) *testServer {
	t.Helper()
	s := &testServer{t: t, allowExec: allowExec}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			atomic.AddInt32(&s.authAttempts, 1)
			if meta.User() == testUser && string(password) == testPass {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	s.config.AddHostKey(signer)

	s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.acceptLoop()
	t.Cleanup(func() {
		_ = s.ln.Close()
	})
	return s
}

func (s *testServer) addr() string {
	return s.ln.Addr().String()
}

func (s *testServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		if atomic.AddInt32(&s.rejectConns, -1) >= 0 {
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer func() {
		_ = sconn.Close()
	}()
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testServer) handleSession(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer func() {
		_ = channel.Close()
	}()
	for req := range reqs {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		case "exec":
			if !s.allowExec {
				_ = req.Reply(false, nil)
				continue
			}
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)
			var status uint32
			if payload.Command == "pwd" {
				_, _ = channel.Write([]byte("/home/tester\n"))
			} else {
				status = 1
			}
			_, _ = channel.SendRequest("exit-status", false,
				ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// options returns Options pointed at the test server with fast
// timeouts and keepalives off.
func (s *testServer) options() fs.Options {
	opt := fs.DefaultOptions()
	opt.Host = "127.0.0.1"
	opt.Port = s.port()
	opt.User = testUser
	opt.Password = testPass
	opt.Timeout = 5 * time.Second
	opt.MaxRetries = 0
	opt.InitialRetryDelay = 10 * time.Millisecond
	opt.KeepaliveInterval = 0
	return opt
}

func TestTransportConnectAndProbe(t *testing.T) {
	s := newTestServer(t, true)
	tr, err := Connect(s.options())
	require.NoError(t, err)
	defer func() {
		_ = tr.Close()
	}()
	assert.True(t, tr.supportsCommands)
	assert.True(t, tr.CanExecuteCommands())
	assert.True(t, tr.Validate())

	out, err := tr.ExecuteCommand("pwd")
	require.NoError(t, err)
	assert.Equal(t, "/home/tester\n", string(out))

	_, err = tr.ExecuteCommand("false")
	require.Error(t, err)
	assert.Equal(t, fs.KindCommand, fs.Kind(err))
}

func TestTransportProbeWithoutExec(t *testing.T) {
	s := newTestServer(t, false)
	tr, err := Connect(s.options())
	require.NoError(t, err)
	defer func() {
		_ = tr.Close()
	}()
	assert.False(t, tr.supportsCommands)
	assert.False(t, tr.CanExecuteCommands())
}

func TestTransportAuthFailureNotRetried(t *testing.T) {
	s := newTestServer(t, false)
	opt := s.options()
	opt.Password = "wrong"
	opt.MaxRetries = 3
	opt.InitialRetryDelay = 200 * time.Millisecond

	start := time.Now()
	_, err := Connect(opt)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Equal(t, fs.KindAuth, fs.Kind(err))
	assert.Less(t, elapsed, 200*time.Millisecond, "no back-off delay for auth failures")
	// The password is offered within a single handshake; there is only
	// one connection attempt
	assert.LessOrEqual(t, atomic.LoadInt32(&s.authAttempts), int32(3))
}

func TestTransportRetryRecoversTransientFailure(t *testing.T) {
	s := newTestServer(t, false)
	atomic.StoreInt32(&s.rejectConns, 2)
	opt := s.options()
	opt.MaxRetries = 2
	opt.InitialRetryDelay = 10 * time.Millisecond

	start := time.Now()
	tr, err := Connect(opt)
	elapsed := time.Since(start)
	require.NoError(t, err)
	defer func() {
		_ = tr.Close()
	}()
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "back-off delays 10ms then 20ms")
}

func TestTransportRetryBudgetExhausted(t *testing.T) {
	s := newTestServer(t, false)
	atomic.StoreInt32(&s.rejectConns, 100)
	opt := s.options()
	opt.MaxRetries = 2
	opt.InitialRetryDelay = 5 * time.Millisecond

	_, err := Connect(opt)
	require.Error(t, err)
	assert.True(t, fs.Retryable(err), "the surfaced error keeps its transient classification")
}

func TestTransportMissingUser(t *testing.T) {
	opt := fs.DefaultOptions()
	opt.Host = "127.0.0.1"
	opt.User = ""
	_, err := Connect(opt)
	require.Error(t, err)
	assert.Equal(t, fs.KindConfig, fs.Kind(err))
}

func TestTransportClosedOperationsFail(t *testing.T) {
	s := newTestServer(t, true)
	tr, err := Connect(s.options())
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "closing twice is fine")

	assert.False(t, tr.Validate())
	_, err = tr.ExecuteCommand("pwd")
	assert.Equal(t, fs.ErrNotConnected, err)
	err = tr.withSFTP(func(c *sftp.Client) error { return nil })
	assert.Equal(t, fs.ErrNotConnected, err)
}

func TestTransportDisableCommandsByHost(t *testing.T) {
	assert.True(t, hostNeverExecs("u123.your-storagebox.de"))
	assert.True(t, hostNeverExecs("U123.YOUR-STORAGEBOX.DE"))
	assert.False(t, hostNeverExecs("example.com"))
}

func TestRegistryReusesLiveTransport(t *testing.T) {
	s := newTestServer(t, false)
	opt := s.options()
	t1, err := GetTransport(opt)
	require.NoError(t, err)
	defer DropTransport(opt.Endpoint())

	t2, err := GetTransport(opt)
	require.NoError(t, err)
	assert.Same(t, t1, t2, "one live transport per endpoint")

	// A dead transport is evicted and replaced
	require.NoError(t, t1.Close())
	t3, err := GetTransport(opt)
	require.NoError(t, err)
	assert.NotSame(t, t1, t3)
	assert.True(t, t3.Validate())
}

func TestEndToEndOverSSH(t *testing.T) {
	s := newTestServer(t, true)
	opt := s.options()
	opt.ChunkSize = 64 * 1024
	opt.MaxUploads = 2
	opt.PoolSize = 2
	defer DropTransport(opt.Endpoint())

	dir := t.TempDir()
	address := "sftp://" + testUser + "@127.0.0.1:" + strconv.Itoa(s.port()) + ":" + filepath.Join(dir, "e2e.bin")
	f, err := New(address, opt)
	require.NoError(t, err)

	data := patternBytes(300 * 1024) // five parts
	h, err := f.OpenWrite(f.Path())
	require.NoError(t, err)
	_, err = h.Write(data)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// The read fast path is available but the fake dd always exits
	// non-zero, so reads fall back to SFTP without disabling exec.
	assert.Equal(t, data, readAll(t, f, f.Path()))
	assert.True(t, f.Transport().CanExecuteCommands())

	size, err := f.Size(f.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)
}
