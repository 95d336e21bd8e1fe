package testutil

import (
	"fmt"

	"mlc-go/internal/mlc"
)

// StaticResolver serves local paths from Local and provider URIs from the
// storage registered for their scheme.
type StaticResolver struct {
	Local     mlc.Storage
	Providers map[string]mlc.Storage
}

var _ mlc.Resolver = (*StaticResolver)(nil)

// NewStaticResolver resolves every local path to local.
func NewStaticResolver(local mlc.Storage) *StaticResolver {
	return &StaticResolver{Local: local, Providers: map[string]mlc.Storage{}}
}

func (r *StaticResolver) Storage(loc mlc.Location) (mlc.Storage, error) {
	if loc.Kind == mlc.LocalPath {
		return r.Local, nil
	}
	s, ok := r.Providers[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no provider for scheme %q", loc.Scheme)
	}
	return s, nil
}
