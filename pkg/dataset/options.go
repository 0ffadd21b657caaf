package dataset

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/observability"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

// Option configures how a dataset handle is opened.
type Option func(*options)

type options struct {
	registry *storagebroker.Registry
	logger   *slog.Logger
	clock    clock.Clock
	cacheDir string
	creator  string
	observer *observability.Provider
}

// WithRegistry resolves URIs through r instead of storagebroker.Default().
func WithRegistry(r *storagebroker.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock pins created_at and frozen_at.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithCacheDir sets where ItemContentAbspath stores fetched items for
// brokers that cannot hand out a local path.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithCreatorUsername overrides the creator recorded by NewCreator.
func WithCreatorUsername(name string) Option {
	return func(o *options) { o.creator = name }
}

// WithObserver traces freeze through p.
func WithObserver(p *observability.Provider) Option {
	return func(o *options) { o.observer = p }
}

func buildOptions(opts []Option) options {
	o := options{
		registry: storagebroker.Default(),
		clock:    clock.System,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "dataset")
	if o.cacheDir == "" {
		o.cacheDir = DefaultCacheDir()
	}
	return o
}

// DefaultCacheDir is the per-user item cache.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "helm-datasets")
	}
	return filepath.Join(os.TempDir(), "helm-datasets-cache")
}
