package sshfs

import (
	"sync"

	"github.com/querystor/sshfs/fs"
)

// The process-wide transport registry. One live transport per endpoint;
// a transport that fails its liveness check is evicted and replaced.
// Handles holding the old transport keep using it until they drop it -
// eviction only removes the registry's reference.
var (
	registryMu sync.Mutex
	transports = map[string]*Transport{}
)

// GetTransport returns the registered transport for the endpoint in
// opt, creating or replacing it as needed.
func GetTransport(opt fs.Options) (*Transport, error) {
	opt.Complete()
	key := opt.Endpoint().String()
	registryMu.Lock()
	defer registryMu.Unlock()
	if t, ok := transports[key]; ok {
		if t.Validate() {
			return t, nil
		}
		fs.Debugf(t, "transport failed liveness check, reconnecting")
		delete(transports, key)
	}
	t, err := Connect(opt)
	if err != nil {
		return nil, err
	}
	transports[key] = t
	return t, nil
}

// DropTransport removes the endpoint's transport from the registry and
// closes it. Intended for orderly shutdown.
func DropTransport(endpoint fs.Endpoint) {
	registryMu.Lock()
	t, ok := transports[endpoint.String()]
	delete(transports, endpoint.String())
	registryMu.Unlock()
	if ok {
		_ = t.Close()
	}
}
