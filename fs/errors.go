package fs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a failure well enough for a caller to decide
// whether to retry, reconfigure, or give up.
type ErrorKind int

// Error kinds, from malformed input through to remote failures
const (
	KindUnknown ErrorKind = iota
	KindAddress           // malformed remote address
	KindConfig            // missing user or credential
	KindDNS               // hostname resolution failed
	KindNetwork           // socket create/connect failure, retryable
	KindHandshake         // banner timeout or key exchange failure
	KindAuth              // rejected credential, never retried
	KindExhausted         // channel open denied on a live session
	KindRemoteIO          // SFTP operation failed
	KindCommand           // remote command exited non-zero
	KindStalledWrite      // a blocking write made no progress
	KindUpload            // first failure among concurrent uploaders
)

var kindNames = map[ErrorKind]string{
	KindUnknown:      "unknown",
	KindAddress:      "address",
	KindConfig:       "configuration",
	KindDNS:          "dns",
	KindNetwork:      "network",
	KindHandshake:    "handshake",
	KindAuth:         "authentication",
	KindExhausted:    "resource exhausted",
	KindRemoteIO:     "remote io",
	KindCommand:      "command",
	KindStalledWrite: "stalled write",
	KindUpload:       "upload",
}

// String returns a human readable name for the kind
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrNotConnected is returned for any operation against a closed transport
var ErrNotConnected = errors.New("not connected")

// Error is a classified failure carrying enough context (endpoint,
// remote path where relevant, underlying cause) to act on.
type Error struct {
	Kind     ErrorKind
	Endpoint string // "user@host:port", may be empty
	Path     string // remote path, may be empty
	Err      error  // underlying cause
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Endpoint != "" {
		msg += " on " + e.Endpoint
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the underlying cause for github.com/pkg/errors
func (e *Error) Cause() error {
	return e.Err
}

// NewError classifies err with the given kind and context
func NewError(kind ErrorKind, endpoint, path string, err error) *Error {
	return &Error{Kind: kind, Endpoint: endpoint, Path: path, Err: err}
}

// Kind returns the classification of err, or KindUnknown when err carries
// none. It walks the cause chain.
func Kind(err error) ErrorKind {
	for err != nil {
		if fsErr, ok := err.(*Error); ok {
			return fsErr.Kind
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind anywhere in its chain
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && Kind(err) == kind
}

// Retryable reports whether a connect attempt that failed with err is
// worth repeating. Authentication failures never are.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindNetwork, KindDNS, KindHandshake:
		return true
	}
	return false
}
