package provider

import (
	"fmt"
	"sync"

	"mlc-go/internal/mlc"
)

// Registry resolves locations to storages: local paths go to the local
// storage, provider URIs to the provider registered for their scheme.
type Registry struct {
	local mlc.Storage

	mu        sync.RWMutex
	providers map[string]mlc.Storage
}

var _ mlc.Resolver = (*Registry)(nil)

// NewRegistry creates a registry serving local paths from local.
func NewRegistry(local mlc.Storage) *Registry {
	return &Registry{local: local, providers: make(map[string]mlc.Storage)}
}

// Register routes scheme:// locations to s.
func (r *Registry) Register(scheme string, s mlc.Storage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[scheme]; ok {
		return fmt.Errorf("provider for scheme %q already registered", scheme)
	}
	r.providers[scheme] = s
	return nil
}

// Storage returns the storage serving loc.
func (r *Registry) Storage(loc mlc.Location) (mlc.Storage, error) {
	if loc.Kind == mlc.LocalPath {
		return r.local, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.providers[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no content provider for scheme %q", loc.Scheme)
	}
	return s, nil
}

// Creator returns the storage serving loc if it can create files there.
func (r *Registry) Creator(loc mlc.Location) (mlc.Creator, error) {
	s, err := r.Storage(loc)
	if err != nil {
		return nil, err
	}
	c, ok := s.(mlc.Creator)
	if !ok {
		return nil, fmt.Errorf("%s locations are read-only", loc.Scheme)
	}
	return c, nil
}
