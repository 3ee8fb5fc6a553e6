package fs

import (
	"fmt"
	"time"
)

// Default values for Options. These are deliberately conservative: the
// backend is designed to work against servers which enforce strict limits
// on concurrent sessions and channels.
const (
	DefaultTimeout           = 300 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialRetryDelay = 1000 * time.Millisecond
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultChunkSize         = 50 * 1024 * 1024
	DefaultMaxUploads        = 2
	DefaultPoolSize          = 1
)

// Endpoint identifies a reusable transport: one authenticated SSH
// connection per (user, host, port) triple.
type Endpoint struct {
	Host string
	Port int
	User string
}

// String returns the registry key for the endpoint
func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d", e.User, e.Host, e.Port)
}

// Options holds the connection parameters for a transport.
//
// Exactly one credential should be configured. A password never falls
// through to a key, and a key never falls through to the agent; if nothing
// is configured the agent is tried when SSH_AUTH_SOCK is present.
type Options struct {
	User        string // SSH username
	Host        string // SSH host to connect to
	Port        int    // SSH port, 0 means 22
	Password    string // password auth if set
	KeyFile     string // path to a PEM-encoded private key file
	KeyFilePass string // passphrase for the key file
	UseAgent    bool   // force ssh-agent auth

	Timeout           time.Duration // per-operation network timeout
	MaxRetries        int           // additional connect attempts on non-auth failure
	InitialRetryDelay time.Duration // first back-off step, doubles each attempt
	KeepaliveInterval time.Duration // 0 disables keepalives

	ChunkSize  int // write buffer high-water mark
	MaxUploads int // concurrent upload width per handle
	PoolSize   int // SFTP sessions kept per transport

	StrictCrypto    bool // restrict the algorithm offer to the non-NIST subset
	DisableCommands bool // never attempt remote command execution
}

// DefaultOptions returns an Options with all tunables set to their
// documented defaults. Host and credentials are left for the caller.
func DefaultOptions() Options {
	return Options{
		Port:              22,
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		InitialRetryDelay: DefaultInitialRetryDelay,
		KeepaliveInterval: DefaultKeepaliveInterval,
		ChunkSize:         DefaultChunkSize,
		MaxUploads:        DefaultMaxUploads,
		PoolSize:          DefaultPoolSize,
	}
}

// Endpoint returns the pooling identity for these options
func (o *Options) Endpoint() Endpoint {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return Endpoint{Host: o.Host, Port: port, User: o.User}
}

// Complete fills zero tunables with defaults so a partially filled
// Options can be used directly. MaxRetries and KeepaliveInterval are
// left as they are, since zero is a meaningful setting for both.
func (o *Options) Complete() {
	def := DefaultOptions()
	if o.Port == 0 {
		o.Port = def.Port
	}
	if o.Timeout == 0 {
		o.Timeout = def.Timeout
	}
	if o.InitialRetryDelay == 0 {
		o.InitialRetryDelay = def.InitialRetryDelay
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.MaxUploads == 0 {
		o.MaxUploads = def.MaxUploads
	}
	if o.PoolSize == 0 {
		o.PoolSize = def.PoolSize
	}
}
