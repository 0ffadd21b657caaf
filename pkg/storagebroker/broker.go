// Package storagebroker is the persistence seam of a dataset. Every byte a
// dataset owns (items, item metadata, README, overlays, tags, manifest and
// admin record) goes through a Broker, and nothing above this package knows
// which storage technology sits underneath.
package storagebroker

import (
	"context"
	"crypto/md5" //nolint:gosec // content checksum shared by all backends, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"iter"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
)

// HashFunction names the content hash every broker records. Sharing one
// function is what lets a hash recorded by one backend verify bytes held by
// another.
const HashFunction = "md5sum_hexdigest"

// PutMode selects how PutItem treats an item already stored at relpath.
type PutMode int

const (
	// PutStrict refuses to replace different content with an
	// *errorir.ItemConflictError and leaves identical content alone.
	PutStrict PutMode = iota
	// PutOverwrite always replaces.
	PutOverwrite
)

func (m PutMode) String() string {
	if m == PutOverwrite {
		return "overwrite"
	}
	return "strict"
}

// Broker persists one dataset or proto-dataset at one URI.
//
// Items are addressed by relpath (the item handle). Lookups of anything
// absent fail with errorir.ErrKey; backend failures wrap errorir.ErrStorage.
type Broker interface {
	URI() string
	// Create allocates the backing structure. It fails with ErrStorage if
	// anything already exists at the URI.
	Create(ctx context.Context) error
	Close() error

	PutAdminMetadata(ctx context.Context, m admin.Metadata) error
	GetAdminMetadata(ctx context.Context) (admin.Metadata, error)
	HasAdminMetadata(ctx context.Context) (bool, error)

	PutItem(ctx context.Context, relpath string, r io.Reader, mode PutMode) (manifest.ItemProperties, error)
	OpenItem(ctx context.Context, relpath string) (io.ReadCloser, error)
	ItemProperties(ctx context.Context, relpath string) (manifest.ItemProperties, error)
	// ItemHandles yields the relpath of every stored item. The sequence is
	// lazy and may be ranged over more than once.
	ItemHandles(ctx context.Context) iter.Seq2[string, error]

	AddItemMetadata(ctx context.Context, relpath, key string, value any) error
	GetItemMetadata(ctx context.Context, relpath string) (map[string]any, error)
	// DeleteItemMetadata removes key from relpath's metadata, failing with
	// ErrKey if it is not set.
	DeleteItemMetadata(ctx context.Context, relpath, key string) error

	PutReadme(ctx context.Context, content string) error
	GetReadmeContent(ctx context.Context) (string, error)

	PutOverlay(ctx context.Context, name string, overlay manifest.Overlay) error
	GetOverlay(ctx context.Context, name string) (manifest.Overlay, error)
	ListOverlayNames(ctx context.Context) ([]string, error)

	PutTag(ctx context.Context, tag string) error
	DeleteTag(ctx context.Context, tag string) error
	ListTags(ctx context.Context) ([]string, error)

	// CommitFreeze persists the manifest and then the frozen admin record, so
	// no reader sees frozen_at without a manifest. Between the two writes a
	// raw broker reader may see a manifest beside a record still typed
	// protodataset; dataset.FromURI reads the admin record first and refuses
	// to open it as frozen until the second write lands.
	CommitFreeze(ctx context.Context, m *manifest.Manifest, frozen admin.Metadata) error
	GetManifest(ctx context.Context) (*manifest.Manifest, error)
}

// PostFreezer is implemented by brokers that hold staging-only state to
// discard once a dataset is frozen.
type PostFreezer interface {
	PostFreeze(ctx context.Context) error
}

// LocalItemPath is implemented by brokers that keep items as plain files.
type LocalItemPath interface {
	ItemPath(relpath string) (string, error)
}

// HashReader consumes r and returns its md5 hex digest and length.
func HashReader(r io.Reader) (string, int64, error) {
	h := md5.New() //nolint:gosec
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// GenerateManifest walks the staged items of b and builds the manifest.
func GenerateManifest(ctx context.Context, b Broker) (*manifest.Manifest, error) {
	var entries []manifest.Entry
	for relpath, err := range b.ItemHandles(ctx) {
		if err != nil {
			return nil, err
		}
		props, err := b.ItemProperties(ctx, relpath)
		if err != nil {
			return nil, err
		}
		entries = append(entries, manifest.Entry{Properties: props})
	}
	return manifest.Build(HashFunction, entries)
}

// ItemMetadata collects the per-item metadata of every staged item, keyed by
// identifier. Items without metadata are left out.
func ItemMetadata(ctx context.Context, b Broker) (map[manifest.Identifier]map[string]any, error) {
	out := make(map[manifest.Identifier]map[string]any)
	for relpath, err := range b.ItemHandles(ctx) {
		if err != nil {
			return nil, err
		}
		md, err := b.GetItemMetadata(ctx, relpath)
		if err != nil {
			return nil, err
		}
		if len(md) > 0 {
			out[manifest.ComputeIdentifier(relpath)] = md
		}
	}
	return out, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, err, errorir.ErrStorage)
}

func conflict(uri, relpath, existing, incoming string) error {
	return &errorir.ItemConflictError{URI: uri, Relpath: relpath, ExistingHash: existing, IncomingHash: incoming}
}
