package sshfs

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/querystor/sshfs/fs"
)

// Remote is a parsed remote address: the endpoint identity plus the
// native path on the server.
type Remote struct {
	Scheme string
	User   string
	Host   string
	Port   int
	Path   string
}

// Endpoint returns the pooling identity of the remote
func (r *Remote) Endpoint() fs.Endpoint {
	return fs.Endpoint{Host: r.Host, Port: r.Port, User: r.User}
}

// String returns the canonical form of the address
func (r *Remote) String() string {
	s := r.Scheme + "://"
	if r.User != "" {
		s += r.User + "@"
	}
	s += r.Host
	if r.Port != 22 {
		s += ":" + strconv.Itoa(r.Port)
	}
	return s + ":" + r.Path
}

// Accepted address schemes
var schemes = map[string]bool{
	"ssh":   true,
	"sshfs": true,
	"sftp":  true,
}

// ParseRemote parses an address of the form
//
//	scheme://[user@]host[:port]:path
//	scheme://[user@]host[:port]/path
//
// The colon form passes the path through untouched, so it may be home
// relative ("backups/x.db") or absolute ("/srv/x.db"). The slash form
// strips the leading slash and yields a home relative path.
func ParseRemote(address string) (*Remote, error) {
	addressErr := func(format string, args ...interface{}) error {
		return fs.NewError(fs.KindAddress, "", address, errors.Errorf(format, args...))
	}
	i := strings.Index(address, "://")
	if i < 0 {
		return nil, addressErr("missing scheme")
	}
	r := &Remote{Scheme: address[:i], Port: 22}
	if !schemes[r.Scheme] {
		return nil, addressErr("unsupported scheme %q", r.Scheme)
	}
	rest := address[i+3:]
	if at := strings.Index(rest, "@"); at >= 0 {
		r.User = rest[:at]
		rest = rest[at+1:]
		if r.User == "" {
			return nil, addressErr("empty user before @")
		}
	}
	// Host runs up to the first ':' or '/'
	hostEnd := strings.IndexAny(rest, ":/")
	if hostEnd < 0 {
		return nil, addressErr("missing path")
	}
	r.Host = rest[:hostEnd]
	if r.Host == "" {
		return nil, addressErr("empty host")
	}
	sep := rest[hostEnd]
	rest = rest[hostEnd+1:]
	if sep == ':' {
		// Either a port followed by a separator, or the path itself
		if port, tail, ok := splitPort(rest); ok {
			r.Port = port
			rest = tail[1:]
		}
	}
	// After ':' the path reads exactly as written, home relative or
	// absolute. After '/' the leading slash has been stripped, giving
	// a home relative path; a doubled slash addresses an absolute one.
	r.Path = rest
	if r.Path == "" {
		return nil, addressErr("empty path")
	}
	return r, nil
}

// splitPort recognises a leading decimal port terminated by ':' or '/'
// and returns the port with the rest of the string starting at the
// separator.
func splitPort(s string) (port int, tail string, ok bool) {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 || n >= len(s) || (s[n] != ':' && s[n] != '/') {
		return 0, "", false
	}
	port, err := strconv.Atoi(s[:n])
	if err != nil || port <= 0 || port > 65535 {
		return 0, "", false
	}
	return port, s[n:], true
}
