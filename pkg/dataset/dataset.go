package dataset

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

// DataSet is a frozen dataset. Items, README and manifest are read-only;
// tags and overlays can still be annotated.
type DataSet struct {
	broker   storagebroker.Broker
	admin    admin.Metadata
	manifest *manifest.Manifest
	opts     options
}

// FromURI opens the frozen dataset at uri. A proto-dataset there is an
// ErrType; nothing there is an ErrKey.
func FromURI(ctx context.Context, uri string, opts ...Option) (*DataSet, error) {
	o := buildOptions(opts)
	b, err := o.registry.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	ds, err := open(ctx, b, o)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return ds, nil
}

// readAdmin loads the admin record at b, reporting an absent one as an
// ErrKey naming the URI rather than a backend-specific miss.
func readAdmin(ctx context.Context, b storagebroker.Broker) (admin.Metadata, error) {
	ok, err := b.HasAdminMetadata(ctx)
	if err != nil {
		return admin.Metadata{}, err
	}
	if !ok {
		return admin.Metadata{}, errorir.Errorf(errorir.ErrKey, "no dataset at %s", b.URI())
	}
	return b.GetAdminMetadata(ctx)
}

func open(ctx context.Context, b storagebroker.Broker, o options) (*DataSet, error) {
	m, err := readAdmin(ctx, b)
	if err != nil {
		return nil, err
	}
	if !m.IsFrozen() {
		return nil, errorir.Errorf(errorir.ErrType, "%s is a proto-dataset; freeze it first", b.URI())
	}
	man, err := b.GetManifest(ctx)
	if err != nil {
		return nil, err
	}
	return &DataSet{broker: b, admin: m, manifest: man, opts: o}, nil
}

func (d *DataSet) URI() string  { return d.broker.URI() }
func (d *DataSet) UUID() string { return d.admin.UUID }
func (d *DataSet) Name() string { return d.admin.Name }

// AdminMetadata returns the frozen admin record.
func (d *DataSet) AdminMetadata() admin.Metadata { return d.admin }

// Manifest returns the manifest. Callers must not modify it.
func (d *DataSet) Manifest() *manifest.Manifest { return d.manifest }

// Identifiers lists the item identifiers, sorted.
func (d *DataSet) Identifiers() []manifest.Identifier { return d.manifest.Identifiers() }

// ItemProperties returns the manifest entry for id.
func (d *DataSet) ItemProperties(id manifest.Identifier) (manifest.ItemProperties, error) {
	return d.manifest.Item(id)
}

// OpenItem streams the content of item id.
func (d *DataSet) OpenItem(ctx context.Context, id manifest.Identifier) (io.ReadCloser, error) {
	props, err := d.manifest.Item(id)
	if err != nil {
		return nil, err
	}
	return d.broker.OpenItem(ctx, props.Relpath)
}

// ItemContentAbspath returns a local filesystem path holding the content of
// item id. Brokers that keep plain files answer directly; otherwise the item
// is fetched once into the cache directory and checked against its hash.
func (d *DataSet) ItemContentAbspath(ctx context.Context, id manifest.Identifier) (string, error) {
	props, err := d.manifest.Item(id)
	if err != nil {
		return "", err
	}
	if lp, ok := d.broker.(storagebroker.LocalItemPath); ok {
		return lp.ItemPath(props.Relpath)
	}

	dir := filepath.Join(d.opts.cacheDir, d.admin.UUID)
	dest := filepath.Join(dir, string(id)+path.Ext(props.Relpath))
	if fi, err := os.Stat(dest); err == nil && fi.Size() == props.SizeInBytes {
		return dest, nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", errorir.Errorf(errorir.ErrStorage, "stat cache %s: %v", dest, err)
	}

	//nolint:gosec // G301: cache is private to the user running the process
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errorir.Errorf(errorir.ErrStorage, "create cache %s: %v", dir, err)
	}
	rc, err := d.broker.OpenItem(ctx, props.Relpath)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return "", errorir.Errorf(errorir.ErrStorage, "cache item %s: %v", id, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename
	hash, _, err := storagebroker.HashReader(io.TeeReader(rc, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errorir.Errorf(errorir.ErrStorage, "cache item %s: %v", id, err)
	}
	if hash != props.Hash {
		return "", errorir.Errorf(errorir.ErrStorage, "item %s fetched from %s has hash %s, manifest says %s",
			id, d.broker.URI(), hash, props.Hash)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", errorir.Errorf(errorir.ErrStorage, "cache item %s: %v", id, err)
	}
	return dest, nil
}

func (d *DataSet) GetReadmeContent(ctx context.Context) (string, error) {
	return d.broker.GetReadmeContent(ctx)
}

func (d *DataSet) ListOverlayNames(ctx context.Context) ([]string, error) {
	return d.broker.ListOverlayNames(ctx)
}

func (d *DataSet) GetOverlay(ctx context.Context, name string) (manifest.Overlay, error) {
	return d.broker.GetOverlay(ctx, name)
}

// PutOverlay stores or replaces an overlay. It must have a value for every
// item of the dataset and nothing else.
func (d *DataSet) PutOverlay(ctx context.Context, name string, overlay manifest.Overlay) error {
	if err := naming.Validate("overlay", name); err != nil {
		return err
	}
	if err := overlay.Validate(); err != nil {
		return err
	}
	if err := overlay.Complete(d.manifest.Identifiers()); err != nil {
		return err
	}
	return d.broker.PutOverlay(ctx, name, overlay)
}

// GetTags lists the tags, sorted.
func (d *DataSet) GetTags(ctx context.Context) ([]string, error) {
	return d.broker.ListTags(ctx)
}

// PutTag adds tag. Adding a tag twice is a no-op.
func (d *DataSet) PutTag(ctx context.Context, tag string) error {
	return putTag(ctx, d.broker, tag)
}

// DeleteTag removes tag, failing with ErrKey if it is not set.
func (d *DataSet) DeleteTag(ctx context.Context, tag string) error {
	return deleteTag(ctx, d.broker, tag)
}

// VerifyReport lists the relpaths that disagree with the manifest.
type VerifyReport struct {
	Missing    []string `json:"missing"`
	Mismatched []string `json:"mismatched"`
	Unexpected []string `json:"unexpected"`
}

// OK reports whether storage matches the manifest exactly.
func (r *VerifyReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0 && len(r.Unexpected) == 0
}

// Verify re-hashes every stored item and compares it with the manifest.
func (d *DataSet) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	seen := make(map[manifest.Identifier]bool, len(d.manifest.Items))
	for relpath, err := range d.broker.ItemHandles(ctx) {
		if err != nil {
			return nil, err
		}
		id := manifest.ComputeIdentifier(relpath)
		want, ok := d.manifest.Items[id]
		if !ok {
			report.Unexpected = append(report.Unexpected, relpath)
			continue
		}
		seen[id] = true
		hash, size, err := d.hashItem(ctx, relpath)
		if err != nil {
			return nil, err
		}
		if hash != want.Hash || size != want.SizeInBytes {
			report.Mismatched = append(report.Mismatched, relpath)
		}
	}
	for _, id := range d.manifest.Identifiers() {
		if !seen[id] {
			report.Missing = append(report.Missing, d.manifest.Items[id].Relpath)
		}
	}
	if !report.OK() {
		d.opts.logger.WarnContext(ctx, "dataset verification failed",
			"uri", d.broker.URI(),
			"missing", len(report.Missing),
			"mismatched", len(report.Mismatched),
			"unexpected", len(report.Unexpected),
		)
	}
	return report, nil
}

func (d *DataSet) hashItem(ctx context.Context, relpath string) (string, int64, error) {
	rc, err := d.broker.OpenItem(ctx, relpath)
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()
	hash, size, err := storagebroker.HashReader(rc)
	if err != nil {
		return "", 0, errorir.Errorf(errorir.ErrStorage, "read item %q: %v", relpath, err)
	}
	return hash, size, nil
}

// Close releases the storage handle.
func (d *DataSet) Close() error { return d.broker.Close() }
