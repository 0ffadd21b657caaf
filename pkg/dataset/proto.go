// Package dataset provides the two dataset handles: ProtoDataset, which
// stages items and metadata, and DataSet, the frozen read-only result.
//
// The lifecycle is one way: a proto-dataset is created, filled, and frozen.
// Freeze hands back a DataSet and spends the proto handle, so no item or
// README writer is reachable once a dataset is frozen.
package dataset

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
	"github.com/Mindburn-Labs/helm-datasets/pkg/observability"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

type state int

const (
	stateUncreated state = iota
	stateStaging
	stateFrozen
)

func (s state) String() string {
	switch s {
	case stateUncreated:
		return "uncreated"
	case stateStaging:
		return "staging"
	default:
		return "frozen"
	}
}

// ProtoDataset is a dataset under construction.
//
// Item level calls (PutItemReader, AddItemMetadata, ...) may run
// concurrently for distinct relpaths. Create, UpdateName and Freeze are
// exclusive.
type ProtoDataset struct {
	mu     sync.RWMutex
	broker storagebroker.Broker
	admin  admin.Metadata
	state  state
	opts   options
}

// GenerateProtoDataset prepares a handle for a new proto-dataset under
// baseURI. Nothing is written until Create.
func GenerateProtoDataset(ctx context.Context, m admin.Metadata, baseURI string, opts ...Option) (*ProtoDataset, error) {
	if m.Type != admin.TypeProtoDataset {
		return nil, errorir.Errorf(errorir.ErrType, "admin metadata of %s describes a frozen dataset", m.UUID)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	uri, err := o.registry.GenerateURI(m.Name, m.UUID, baseURI)
	if err != nil {
		return nil, err
	}
	b, err := o.registry.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &ProtoDataset{broker: b, admin: m, state: stateUncreated, opts: o}, nil
}

// ProtoDatasetFromURI reopens a proto-dataset that is still staging.
func ProtoDatasetFromURI(ctx context.Context, uri string, opts ...Option) (*ProtoDataset, error) {
	o := buildOptions(opts)
	b, err := o.registry.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	m, err := readAdmin(ctx, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	if m.IsFrozen() {
		_ = b.Close()
		return nil, errorir.Errorf(errorir.ErrType, "%s is a frozen dataset, not a proto-dataset", uri)
	}
	return &ProtoDataset{broker: b, admin: m, state: stateStaging, opts: o}, nil
}

func (p *ProtoDataset) URI() string { return p.broker.URI() }

func (p *ProtoDataset) UUID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin.UUID
}

func (p *ProtoDataset) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin.Name
}

// AdminMetadata returns the current admin record.
func (p *ProtoDataset) AdminMetadata() admin.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin
}

// Create allocates the proto-dataset in storage and writes its admin
// record. It fails with ErrStorage if anything exists at the URI.
func (p *ProtoDataset) Create(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateUncreated {
		return errorir.Errorf(errorir.ErrType, "proto-dataset %s is already created (%s)", p.broker.URI(), p.state)
	}
	if err := p.broker.Create(ctx); err != nil {
		return err
	}
	if err := p.broker.PutAdminMetadata(ctx, p.admin); err != nil {
		return err
	}
	p.state = stateStaging
	p.opts.logger.InfoContext(ctx, "proto-dataset created", "uri", p.broker.URI(), "uuid", p.admin.UUID)
	return nil
}

// staging must be called with p.mu held.
func (p *ProtoDataset) staging(op string) error {
	switch p.state {
	case stateStaging:
		return nil
	case stateUncreated:
		return errorir.Errorf(errorir.ErrType, "%s: proto-dataset %s has not been created", op, p.broker.URI())
	default:
		return errorir.Errorf(errorir.ErrType, "%s: dataset %s is frozen", op, p.broker.URI())
	}
}

// PutItem stages the file at fpath as relpath. Different content already
// staged at relpath is an *errorir.ItemConflictError.
func (p *ProtoDataset) PutItem(ctx context.Context, fpath, relpath string) (manifest.ItemProperties, error) {
	fi, err := os.Stat(fpath)
	if err != nil {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrValue, "item source %q: %v", fpath, err)
	}
	if !fi.Mode().IsRegular() {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrValue, "item source %q is not a regular file", fpath)
	}
	f, err := os.Open(fpath) //nolint:gosec // G304: caller chooses which file to package
	if err != nil {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrValue, "item source %q: %v", fpath, err)
	}
	defer f.Close()
	return p.PutItemReader(ctx, relpath, f, storagebroker.PutStrict)
}

// PutItemReader stages the bytes of r as relpath.
func (p *ProtoDataset) PutItemReader(ctx context.Context, relpath string, r io.Reader, mode storagebroker.PutMode) (manifest.ItemProperties, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("put item"); err != nil {
		return manifest.ItemProperties{}, err
	}
	return p.broker.PutItem(ctx, relpath, r, mode)
}

// StagedItem returns the properties of an item staged at relpath.
func (p *ProtoDataset) StagedItem(ctx context.Context, relpath string) (manifest.ItemProperties, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("staged item"); err != nil {
		return manifest.ItemProperties{}, err
	}
	return p.broker.ItemProperties(ctx, relpath)
}

// StagedRelpaths lists the relpaths staged so far.
func (p *ProtoDataset) StagedRelpaths(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("list items"); err != nil {
		return nil, err
	}
	var out []string
	for relpath, err := range p.broker.ItemHandles(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, relpath)
	}
	return out, nil
}

// AddItemMetadata records key=value for the item at relpath. At freeze every
// key becomes an overlay of the same name.
func (p *ProtoDataset) AddItemMetadata(ctx context.Context, relpath, key string, value any) error {
	if err := naming.Validate("overlay", key); err != nil {
		return err
	}
	if err := manifest.ValidateOverlayValue(value); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("add item metadata"); err != nil {
		return err
	}
	return p.broker.AddItemMetadata(ctx, relpath, key, value)
}

// DeleteItemMetadata drops key from the metadata staged for relpath.
func (p *ProtoDataset) DeleteItemMetadata(ctx context.Context, relpath, key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("delete item metadata"); err != nil {
		return err
	}
	return p.broker.DeleteItemMetadata(ctx, relpath, key)
}

// GetItemMetadata returns the metadata staged for relpath.
func (p *ProtoDataset) GetItemMetadata(ctx context.Context, relpath string) (map[string]any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("get item metadata"); err != nil {
		return nil, err
	}
	return p.broker.GetItemMetadata(ctx, relpath)
}

func (p *ProtoDataset) PutReadme(ctx context.Context, content string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("put readme"); err != nil {
		return err
	}
	return p.broker.PutReadme(ctx, content)
}

func (p *ProtoDataset) GetReadmeContent(ctx context.Context) (string, error) {
	return p.broker.GetReadmeContent(ctx)
}

func (p *ProtoDataset) PutTag(ctx context.Context, tag string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("put tag"); err != nil {
		return err
	}
	return putTag(ctx, p.broker, tag)
}

func (p *ProtoDataset) DeleteTag(ctx context.Context, tag string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.staging("delete tag"); err != nil {
		return err
	}
	return deleteTag(ctx, p.broker, tag)
}

// GetTags lists the tags, sorted.
func (p *ProtoDataset) GetTags(ctx context.Context) ([]string, error) {
	return p.broker.ListTags(ctx)
}

// UpdateName renames the proto-dataset. The URI does not move.
func (p *ProtoDataset) UpdateName(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.staging("update name"); err != nil {
		return err
	}
	renamed, err := p.admin.WithName(name)
	if err != nil {
		return err
	}
	if err := p.broker.PutAdminMetadata(ctx, renamed); err != nil {
		return err
	}
	p.admin = renamed
	return nil
}

// Freeze builds the manifest and overlays, stamps frozen_at and commits.
// The returned DataSet takes over the storage handle; p is spent and every
// further mutator fails with ErrType.
func (p *ProtoDataset) Freeze(ctx context.Context) (*DataSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.staging("freeze"); err != nil {
		return nil, err
	}

	ctx, finish := p.opts.observer.TrackOperation(ctx, "dataset.freeze",
		observability.DatasetOperation(p.admin.UUID, p.admin.Name, p.broker.URI())...)
	ds, err := p.freeze(ctx)
	finish(err)
	return ds, err
}

func (p *ProtoDataset) freeze(ctx context.Context) (*DataSet, error) {
	m, err := storagebroker.GenerateManifest(ctx, p.broker)
	if err != nil {
		return nil, err
	}

	itemMetadata, err := storagebroker.ItemMetadata(ctx, p.broker)
	if err != nil {
		return nil, err
	}
	overlays, err := manifest.BuildOverlays(itemMetadata)
	if err != nil {
		return nil, err
	}
	for _, name := range manifest.OverlayNames(overlays) {
		if err := p.broker.PutOverlay(ctx, name, overlays[name]); err != nil {
			return nil, err
		}
	}

	frozen, err := admin.Freeze(p.admin, clock.Now(p.opts.clock))
	if err != nil {
		return nil, err
	}
	if err := p.broker.CommitFreeze(ctx, m, frozen); err != nil {
		return nil, err
	}
	p.admin = frozen
	p.state = stateFrozen

	if pf, ok := p.broker.(storagebroker.PostFreezer); ok {
		if err := pf.PostFreeze(ctx); err != nil {
			p.opts.logger.WarnContext(ctx, "post-freeze cleanup failed", "uri", p.broker.URI(), "error", err)
		}
	}

	observability.AddSpanEvent(ctx, "dataset.frozen", observability.AttrItemCount.Int(len(m.Items)))
	p.opts.logger.InfoContext(ctx, "dataset frozen",
		"uri", p.broker.URI(),
		"uuid", frozen.UUID,
		"items", len(m.Items),
		"overlays", len(overlays),
	)
	return &DataSet{broker: p.broker, admin: frozen, manifest: m, opts: p.opts}, nil
}

// Close releases the storage handle. After a successful Freeze the handle
// belongs to the DataSet and Close is a no-op.
func (p *ProtoDataset) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateFrozen {
		return nil
	}
	return p.broker.Close()
}
