package sshfs

import (
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"

	"github.com/querystor/sshfs/fs"
	"github.com/querystor/sshfs/lib/env"
)

// Algorithm preference lists. Modern key exchange and host key
// algorithms first, legacy last. The strict lists exclude the NIST
// curves and anything pre-SHA2.
var (
	kexAlgos = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group16-sha512", "diffie-hellman-group14-sha256",
		"diffie-hellman-group14-sha1",
	}
	strictKexAlgos = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"diffie-hellman-group16-sha512", "diffie-hellman-group14-sha256",
	}
	hostKeyAlgos = []string{
		ssh.KeyAlgoED25519, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256,
		ssh.KeyAlgoECDSA256, ssh.KeyAlgoECDSA384, ssh.KeyAlgoECDSA521,
		ssh.KeyAlgoRSA,
	}
	strictHostKeyAlgos = []string{
		ssh.KeyAlgoED25519, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256,
	}
)

// Hostname suffixes of storage products known to reject command
// execution channels. Matching endpoints never attempt exec; everything
// else relies on the capability probe.
var noCommandHostSuffixes = []string{
	".your-storagebox.de",
}

// Transport owns one authenticated SSH connection to an endpoint along
// with the pool of SFTP sessions riding on it. Transports are shared
// between handles and safe for concurrent use; the underlying SSH
// session is not, so every SFTP and channel operation goes through the
// pool or one of the transport mutexes.
type Transport struct {
	endpoint fs.Endpoint
	opt      fs.Options

	sshClient *ssh.Client
	pool      *sessionPool

	supportsCommands bool  // set once by the capability probe
	commandsDisabled int32 // atomic, set when exec channels start failing

	uploadMu sync.Mutex // serialises SFTP writes on this transport
	readMu   sync.Mutex // serialises SFTP reads on this transport

	closed int32 // atomic
	kaStop chan struct{}
	kaOnce sync.Once
}

// String identifies the transport in logs
func (t *Transport) String() string {
	return t.endpoint.String()
}

// Connect dials the endpoint, authenticates and prepares the SFTP pool.
// Non-authentication failures are retried up to opt.MaxRetries extra
// attempts with exponential back-off starting at opt.InitialRetryDelay.
func Connect(opt fs.Options) (*Transport, error) {
	opt.Complete()
	if opt.User == "" {
		return nil, fs.NewError(fs.KindConfig, opt.Endpoint().String(), "", errors.New("user is required"))
	}
	sshConfig, err := sshClientConfig(&opt)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		endpoint: opt.Endpoint(),
		opt:      opt,
		kaStop:   make(chan struct{}),
	}
	if opt.DisableCommands || hostNeverExecs(opt.Host) {
		atomic.StoreInt32(&t.commandsDisabled, 1)
	}

	policy := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     opt.InitialRetryDelay,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, uint64(opt.MaxRetries))
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		dialErr := t.dial(sshConfig)
		if dialErr == nil {
			return nil
		}
		if !fs.Retryable(dialErr) {
			return backoff.Permanent(dialErr)
		}
		fs.Debugf(t, "connect attempt %d failed, retrying: %v", attempt, dialErr)
		return dialErr
	}, policy)
	if err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}

	t.pool = newSessionPool(opt.PoolSize, t.newSFTPSession)
	t.probeCapabilities()
	if opt.KeepaliveInterval > 0 {
		go t.keepaliveLoop(opt.KeepaliveInterval)
	}
	return t, nil
}

// dial makes a single connect and handshake attempt
func (t *Transport) dial(sshConfig *ssh.ClientConfig) error {
	addr := net.JoinHostPort(t.opt.Host, strconv.Itoa(t.opt.Port))
	conn, err := net.DialTimeout("tcp", addr, t.opt.Timeout)
	if err != nil {
		kind := fs.KindNetwork
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			kind = fs.KindDNS
		}
		return fs.NewError(kind, t.endpoint.String(), "", err)
	}
	// The handshake must not outlive the configured timeout even if
	// the server sends its banner and then stalls.
	_ = conn.SetDeadline(time.Now().Add(t.opt.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return classifyHandshakeError(t.endpoint.String(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	t.sshClient = ssh.NewClient(c, chans, reqs)
	fs.Debugf(t, "connected to %q", string(c.ServerVersion()))
	return nil
}

// classifyHandshakeError separates rejected credentials from key
// exchange trouble so callers can tell what to fix.
func classifyHandshakeError(endpoint string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "ssh: handshake failed: ssh: unable") ||
		strings.Contains(msg, "password") && strings.Contains(msg, "rejected") {
		return fs.NewError(fs.KindAuth, endpoint, "", err)
	}
	if strings.Contains(msg, "no common algorithm") || strings.Contains(msg, "kex") {
		return fs.NewError(fs.KindHandshake, endpoint, "",
			errors.Wrap(err, "key exchange failed, review the peer's algorithm support"))
	}
	return fs.NewError(fs.KindHandshake, endpoint, "", err)
}

// sshClientConfig assembles the ssh.ClientConfig from the options.
//
// Authentication stops at the first method explicitly configured:
// password, then key file, then agent. A configured password never
// falls through to a key, and a configured key never falls through to
// the agent. With nothing configured, agent identities are offered in
// the order the agent returns them when SSH_AUTH_SOCK is present.
func sshClientConfig(opt *fs.Options) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:              opt.User,
		HostKeyCallback:   ssh.InsecureIgnoreHostKey(),
		Timeout:           opt.Timeout,
		HostKeyAlgorithms: hostKeyAlgos,
	}
	config.Config.KeyExchanges = kexAlgos
	if opt.StrictCrypto {
		config.Config.KeyExchanges = strictKexAlgos
		config.HostKeyAlgorithms = strictHostKeyAlgos
	}

	switch {
	case opt.Password != "":
		config.Auth = []ssh.AuthMethod{ssh.Password(opt.Password)}
	case opt.KeyFile != "":
		signer, err := loadKeyFile(env.ShellExpand(opt.KeyFile), opt.KeyFilePass)
		if err != nil {
			return nil, fs.NewError(fs.KindConfig, opt.Endpoint().String(), "", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case opt.UseAgent || os.Getenv("SSH_AUTH_SOCK") != "":
		agentClient, _, err := sshagent.New()
		if err != nil {
			return nil, fs.NewError(fs.KindConfig, opt.Endpoint().String(), "",
				errors.Wrap(err, "couldn't connect to ssh-agent"))
		}
		signers, err := agentClient.Signers()
		if err != nil {
			return nil, fs.NewError(fs.KindConfig, opt.Endpoint().String(), "",
				errors.Wrap(err, "couldn't read ssh-agent signers"))
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signers...)}
	default:
		return nil, fs.NewError(fs.KindConfig, opt.Endpoint().String(), "",
			errors.New("no credential configured and no ssh-agent available"))
	}
	return config, nil
}

// loadKeyFile reads and parses a PEM-encoded private key file
func loadKeyFile(path, passphrase string) (ssh.Signer, error) {
	key, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key file")
	}
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		return signer, errors.Wrap(err, "failed to parse private key file")
	}
	signer, err := ssh.ParsePrivateKey(key)
	return signer, errors.Wrap(err, "failed to parse private key file")
}

// hostNeverExecs recognises endpoints of products with hard channel
// restrictions where exec attempts only waste the channel budget.
func hostNeverExecs(host string) bool {
	host = strings.ToLower(host)
	for _, suffix := range noCommandHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// newSFTPSession opens one SFTP subsystem session on the transport.
// Used by the pool to create its members.
func (t *Transport) newSFTPSession() (*sftp.Client, error) {
	if t.isClosed() {
		return nil, fs.ErrNotConnected
	}
	s, err := t.sshClient.NewSession()
	if err != nil {
		return nil, fs.NewError(fs.KindExhausted, t.endpoint.String(), "",
			errors.Wrap(err, "couldn't open SFTP session channel"))
	}
	pw, err := s.StdinPipe()
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "couldn't get session stdin")
	}
	pr, err := s.StdoutPipe()
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "couldn't get session stdout")
	}
	if err := s.RequestSubsystem("sftp"); err != nil {
		_ = s.Close()
		return nil, fs.NewError(fs.KindExhausted, t.endpoint.String(), "",
			errors.Wrap(err, "couldn't request SFTP subsystem"))
	}
	client, err := sftp.NewClientPipe(pr, pw)
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "couldn't initialise SFTP")
	}
	return client, nil
}

// withSFTP borrows a session from the pool, runs fn, and always returns
// the session, even on the failure path.
func (t *Transport) withSFTP(fn func(c *sftp.Client) error) error {
	if t.isClosed() {
		return fs.ErrNotConnected
	}
	c, err := t.pool.borrow()
	if err != nil {
		return err
	}
	defer t.pool.giveBack(c)
	return fn(c)
}

// probeCapabilities decides once whether the server accepts command
// execution channels. A working directory query is used rather than a
// no-op colon because some restricted shells reject the latter.
func (t *Transport) probeCapabilities() {
	if atomic.LoadInt32(&t.commandsDisabled) != 0 {
		// Pre-disabled endpoints never see an exec attempt; don't
		// waste a channel on the probe either.
		t.supportsCommands = false
		return
	}
	out, err := t.runCommand("pwd")
	if err != nil {
		fs.Debugf(t, "server does not support command execution: %v", err)
		t.supportsCommands = false
		return
	}
	_ = out // drained, contents irrelevant
	t.supportsCommands = true
	fs.Debugf(t, "server supports command execution")
}

// CanExecuteCommands reports whether the command execution fast path is
// currently usable on this transport.
func (t *Transport) CanExecuteCommands() bool {
	return t.supportsCommands && atomic.LoadInt32(&t.commandsDisabled) == 0
}

// disableCommands turns the exec fast path off for the rest of the
// transport's lifetime. Called by the read path when a channel open or
// exec request is refused.
func (t *Transport) disableCommands() {
	if atomic.CompareAndSwapInt32(&t.commandsDisabled, 0, 1) {
		fs.Infof(t, "disabling remote command execution after channel failure")
	}
}

// ExecuteCommand runs cmd on the remote host and returns its standard
// output. Non-zero exit surfaces as a command failure carrying the exit
// status; a refused channel surfaces as resource exhaustion.
func (t *Transport) ExecuteCommand(cmd string) ([]byte, error) {
	if t.isClosed() {
		return nil, fs.ErrNotConnected
	}
	return t.runCommand(cmd)
}

func (t *Transport) runCommand(cmd string) ([]byte, error) {
	session, err := t.sshClient.NewSession()
	if err != nil {
		return nil, fs.NewError(fs.KindExhausted, t.endpoint.String(), "",
			errors.Wrap(err, "couldn't open command channel"))
	}
	defer func() {
		_ = session.Close()
	}()
	out, err := session.Output(cmd)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return nil, fs.NewError(fs.KindCommand, t.endpoint.String(), "",
				errors.Errorf("%q exited with status %d", cmd, exitErr.ExitStatus()))
		}
		return nil, fs.NewError(fs.KindExhausted, t.endpoint.String(), "",
			errors.Wrapf(err, "couldn't execute %q", cmd))
	}
	return out, nil
}

// Validate sends a keepalive and reports whether the session still
// accepts it. The registry calls this before handing the transport to a
// new caller.
func (t *Transport) Validate() bool {
	if t.isClosed() {
		return false
	}
	_, _, err := t.sshClient.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// keepaliveLoop emits keepalive packets at the configured cadence
// without waiting for replies.
func (t *Transport) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.kaStop:
			return
		case <-ticker.C:
			_, _, err := t.sshClient.SendRequest("keepalive@openssh.com", false, nil)
			if err != nil {
				fs.Debugf(t, "failed to send keepalive: %v", err)
			}
		}
	}
}

func (t *Transport) isClosed() bool {
	return atomic.LoadInt32(&t.closed) != 0
}

// Close drains the session pool and tears the connection down. Safe to
// call more than once.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.kaOnce.Do(func() { close(t.kaStop) })
	if t.pool != nil {
		t.pool.drain()
	}
	if t.sshClient != nil {
		return t.sshClient.Close()
	}
	return nil
}
