package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"sync"

	"mlc-go/internal/mlc"
)

// MemoryProvider is an in-memory object store behind a provider URI. Like a
// bucket it holds flat keys; directories exist only as key prefixes.
// This implementation is safe for concurrent use.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string][]byte // "bucket/key" -> content
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: make(map[string][]byte)}
}

// Put stores content under key.
func (m *MemoryProvider) Put(key string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[strings.Trim(key, "/")] = bytes.Clone(content)
}

// Get returns the content stored under key.
func (m *MemoryProvider) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[strings.Trim(key, "/")]
	return data, ok
}

// Keys returns every stored key in sorted order.
func (m *MemoryProvider) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m *MemoryProvider) List(ctx context.Context, dir string) ([]mlc.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := dirPrefix(dir)

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var nodes []mlc.Node
	for key, data := range m.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" {
			continue
		}
		name, _, nested := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		node := mlc.Node{Name: name, Handle: prefix + name, IsDir: nested}
		if !nested {
			node.Size = int64(len(data))
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("listing %s: %w", dir, fs.ErrNotExist)
	}
	slices.SortFunc(nodes, func(a, b mlc.Node) int { return strings.Compare(a.Name, b.Name) })
	return nodes, nil
}

func (m *MemoryProvider) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m.Get(handle)
	if !ok {
		return nil, fmt.Errorf("opening %s: %w", handle, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryProvider) Exists(_ context.Context, path string) (bool, error) {
	key := strings.Trim(path, "/")
	prefix := dirPrefix(path)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for k := range m.objects {
		if k == key || strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryProvider) Delete(_ context.Context, path string) error {
	key := strings.Trim(path, "/")
	if key == "" {
		return fmt.Errorf("refusing to delete provider root")
	}
	prefix := key + "/"

	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.objects {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

// Create buffers writes and stores the object on Close.
func (m *MemoryProvider) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryObject{provider: m, key: strings.Trim(path, "/")}, nil
}

type memoryObject struct {
	bytes.Buffer
	provider *MemoryProvider
	key      string
}

func (o *memoryObject) Close() error {
	o.provider.Put(o.key, o.Bytes())
	return nil
}

// dirPrefix returns the key prefix of everything beneath dir.
func dirPrefix(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return ""
	}
	return dir + "/"
}

var (
	_ mlc.Storage = (*MemoryProvider)(nil)
	_ mlc.Creator = (*MemoryProvider)(nil)
)
