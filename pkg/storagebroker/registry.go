package storagebroker

import (
	"context"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

// Backend creates brokers for one URI scheme.
type Backend interface {
	Scheme() string
	// GenerateURI returns where a dataset called name with the given uuid
	// lives under baseURI.
	GenerateURI(name, uuid, baseURI string) (string, error)
	Open(ctx context.Context, uri string) (Broker, error)
}

// Registry maps URI schemes to backends. It is filled at startup and only
// read afterwards.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b. A second backend for the same scheme is rejected.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[b.Scheme()]; dup {
		return errorir.Errorf(errorir.ErrValue, "backend for scheme %q already registered", b.Scheme())
	}
	r.backends[b.Scheme()] = b
	return nil
}

// Lookup returns the backend for scheme.
func (r *Registry) Lookup(scheme string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[scheme]
	if !ok {
		return nil, errorir.Errorf(errorir.ErrKey, "no storage backend for scheme %q", scheme)
	}
	return b, nil
}

// Schemes lists the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for s := range r.backends {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open resolves uri to its backend and opens a broker on it.
func (r *Registry) Open(ctx context.Context, uri string) (Broker, error) {
	scheme, normalized, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	b, err := r.Lookup(scheme)
	if err != nil {
		return nil, err
	}
	return b.Open(ctx, normalized)
}

// GenerateURI asks the backend of baseURI where dataset name/uuid goes.
func (r *Registry) GenerateURI(name, uuid, baseURI string) (string, error) {
	scheme, normalized, err := ParseURI(baseURI)
	if err != nil {
		return "", err
	}
	b, err := r.Lookup(scheme)
	if err != nil {
		return "", err
	}
	return b.GenerateURI(name, uuid, normalized)
}

// ParseURI returns the scheme of uri and its normalized form. A bare
// filesystem path is read as an absolute file:// URI.
func ParseURI(uri string) (string, string, error) {
	if uri == "" {
		return "", "", errorir.Errorf(errorir.ErrValue, "empty URI")
	}
	if !strings.Contains(uri, "://") {
		abs, err := filepath.Abs(uri)
		if err != nil {
			return "", "", errorir.Errorf(errorir.ErrValue, "path %q: %v", uri, err)
		}
		return "file", (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", errorir.Errorf(errorir.ErrValue, "URI %q: %v", uri, err)
	}
	return u.Scheme, strings.TrimRight(uri, "/"), nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// RegisterDefaults adds every backend that needs no configuration: file,
// sqlite and postgres.
func RegisterDefaults(reg *Registry) error {
	for _, b := range []Backend{DiskBackend{}, NewSQLBackend(DialectSQLite), NewSQLBackend(DialectPostgres)} {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the process-wide registry holding the RegisterDefaults
// backends. Remote object stores are added with RegisterConfigured.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		_ = RegisterDefaults(r)
		defaultRegistry = r
	})
	return defaultRegistry
}
