package storagebroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
)

// Object layout, relative to the dataset prefix (<uuid>/).
const (
	objAdminKey      = "dtool"
	objManifestKey   = "manifest.json"
	objReadmeKey     = "README.yml"
	objDataPrefix    = "data/"
	objFragments     = "fragments/"
	objOverlays      = "overlays/"
	objTags          = "tags/"
	metaHandle       = "handle"
	metaHash         = "hash"
	metaUTCTimestamp = "utc-timestamp"
)

var errNoObject = errors.New("object does not exist")

type objectInfo struct {
	Size int64
	Meta map[string]string
}

// objectStore is the handful of bucket operations an ObjectBroker needs.
// Missing objects are reported as errNoObject.
type objectStore interface {
	put(ctx context.Context, key string, body io.ReadSeeker, size int64, meta map[string]string) error
	get(ctx context.Context, key string) (io.ReadCloser, error)
	head(ctx context.Context, key string) (objectInfo, error)
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
	close() error
}

// ObjectBroker keeps a dataset under one key prefix of a bucket. Items are
// stored by identifier; their relpath, hash and timestamp ride along as
// object metadata.
type ObjectBroker struct {
	store  objectStore
	uri    string
	prefix string
	now    clock.Clock
}

func newObjectBroker(store objectStore, uri, prefix string) *ObjectBroker {
	return &ObjectBroker{store: store, uri: uri, prefix: strings.Trim(prefix, "/") + "/", now: clock.System}
}

// bucketURI splits scheme://bucket/some/prefix.
func bucketURI(scheme, uri string) (string, string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != scheme || u.Host == "" {
		return "", "", errorir.Errorf(errorir.ErrValue, "not a %s URI: %q", scheme, uri)
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix == "" {
		return "", "", errorir.Errorf(errorir.ErrValue, "%s URI %q names no dataset", scheme, uri)
	}
	return u.Host, prefix, nil
}

func bucketGenerateURI(scheme, uuid, baseURI string) (string, error) {
	u, err := url.Parse(baseURI)
	if err != nil || u.Scheme != scheme || u.Host == "" {
		return "", errorir.Errorf(errorir.ErrValue, "not a %s URI: %q", scheme, baseURI)
	}
	return strings.TrimRight(baseURI, "/") + "/" + uuid, nil
}

func (b *ObjectBroker) URI() string  { return b.uri }
func (b *ObjectBroker) Close() error { return b.store.close() }

func (b *ObjectBroker) key(rel string) string { return b.prefix + rel }

func (b *ObjectBroker) putBytes(ctx context.Context, rel string, data []byte) error {
	if err := b.store.put(ctx, b.key(rel), bytes.NewReader(data), int64(len(data)), nil); err != nil {
		return storageErr("put "+rel, err)
	}
	return nil
}

func (b *ObjectBroker) getBytes(ctx context.Context, rel, what string) ([]byte, error) {
	rc, err := b.store.get(ctx, b.key(rel))
	if errors.Is(err, errNoObject) {
		return nil, errorir.Errorf(errorir.ErrKey, "%s not found in %s", what, b.uri)
	}
	if err != nil {
		return nil, storageErr("get "+rel, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageErr("read "+rel, err)
	}
	return data, nil
}

func (b *ObjectBroker) exists(ctx context.Context, rel string) (bool, error) {
	_, err := b.store.head(ctx, b.key(rel))
	if errors.Is(err, errNoObject) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("head "+rel, err)
	}
	return true, nil
}

// names lists keys under rel, stripped of rel and suffix, sorted.
func (b *ObjectBroker) names(ctx context.Context, rel, suffix string) ([]string, error) {
	keys, err := b.store.list(ctx, b.key(rel))
	if err != nil {
		return nil, storageErr("list "+rel, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, b.key(rel))
		if !strings.HasSuffix(name, suffix) || strings.Contains(name, "/") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(out)
	return out, nil
}

func (b *ObjectBroker) Create(ctx context.Context) error {
	keys, err := b.store.list(ctx, b.prefix)
	if err != nil {
		return storageErr("create", err)
	}
	if len(keys) > 0 {
		return errorir.Errorf(errorir.ErrStorage, "%s already exists", b.uri)
	}
	return b.putBytes(ctx, objReadmeKey, nil)
}

func (b *ObjectBroker) PutAdminMetadata(ctx context.Context, m admin.Metadata) error {
	data, err := admin.Encode(m)
	if err != nil {
		return err
	}
	return b.putBytes(ctx, objAdminKey, data)
}

func (b *ObjectBroker) GetAdminMetadata(ctx context.Context) (admin.Metadata, error) {
	data, err := b.getBytes(ctx, objAdminKey, "admin metadata")
	if err != nil {
		return admin.Metadata{}, err
	}
	return admin.Decode(data)
}

func (b *ObjectBroker) HasAdminMetadata(ctx context.Context) (bool, error) {
	return b.exists(ctx, objAdminKey)
}

func itemKey(rel string) string {
	return objDataPrefix + string(manifest.ComputeIdentifier(rel))
}

func (b *ObjectBroker) PutItem(ctx context.Context, relpath string, r io.Reader, mode PutMode) (manifest.ItemProperties, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}

	spool, err := os.CreateTemp("", "dataset-item-*")
	if err != nil {
		return manifest.ItemProperties{}, storageErr("spool "+rel, err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()
	incoming, size, err := HashReader(io.TeeReader(r, spool))
	if err != nil {
		return manifest.ItemProperties{}, storageErr("spool "+rel, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return manifest.ItemProperties{}, storageErr("spool "+rel, err)
	}

	if mode == PutStrict {
		existing, err := b.ItemProperties(ctx, rel)
		switch {
		case err == nil && existing.Hash == incoming:
			return existing, nil
		case err == nil:
			return manifest.ItemProperties{}, conflict(b.uri, rel, existing.Hash, incoming)
		case !errors.Is(err, errorir.ErrKey):
			return manifest.ItemProperties{}, err
		}
	}

	props := manifest.ItemProperties{
		Relpath:      rel,
		SizeInBytes:  size,
		Hash:         incoming,
		UTCTimestamp: clock.Now(b.now),
	}
	meta := map[string]string{
		metaHandle:       url.PathEscape(rel),
		metaHash:         incoming,
		metaUTCTimestamp: strconv.FormatFloat(float64(props.UTCTimestamp), 'f', -1, 64),
	}
	if err := b.store.put(ctx, b.key(itemKey(rel)), spool, size, meta); err != nil {
		return manifest.ItemProperties{}, storageErr("put "+rel, err)
	}
	return props, nil
}

func (b *ObjectBroker) OpenItem(ctx context.Context, relpath string) (io.ReadCloser, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return nil, err
	}
	rc, err := b.store.get(ctx, b.key(itemKey(rel)))
	if errors.Is(err, errNoObject) {
		return nil, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
	}
	if err != nil {
		return nil, storageErr("open "+rel, err)
	}
	return rc, nil
}

func (b *ObjectBroker) ItemProperties(ctx context.Context, relpath string) (manifest.ItemProperties, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	info, err := b.store.head(ctx, b.key(itemKey(rel)))
	if errors.Is(err, errNoObject) {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
	}
	if err != nil {
		return manifest.ItemProperties{}, storageErr("head "+rel, err)
	}
	return propsFromObject(rel, info)
}

func propsFromObject(rel string, info objectInfo) (manifest.ItemProperties, error) {
	ts, err := strconv.ParseFloat(info.Meta[metaUTCTimestamp], 64)
	if err != nil {
		return manifest.ItemProperties{}, storageErr("item "+rel+" timestamp", err)
	}
	return manifest.ItemProperties{
		Relpath:      rel,
		SizeInBytes:  info.Size,
		Hash:         info.Meta[metaHash],
		UTCTimestamp: clock.Timestamp(ts),
	}, nil
}

func (b *ObjectBroker) ItemHandles(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		keys, err := b.store.list(ctx, b.key(objDataPrefix))
		if err != nil {
			yield("", storageErr("list items", err))
			return
		}
		for _, k := range keys {
			info, err := b.store.head(ctx, k)
			if err != nil {
				yield("", storageErr("head "+k, err))
				return
			}
			rel, err := url.PathUnescape(info.Meta[metaHandle])
			if err != nil || rel == "" {
				yield("", errorir.Errorf(errorir.ErrStorage, "object %s has no usable handle", k))
				return
			}
			if !yield(rel, nil) {
				return
			}
		}
	}
}

func fragmentPrefix(rel string) string {
	return objFragments + string(manifest.ComputeIdentifier(rel)) + "/"
}

func (b *ObjectBroker) AddItemMetadata(ctx context.Context, relpath, key string, value any) error {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return err
	}
	if err := naming.Validate("metadata key", key); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "metadata %q for %q: %v", key, rel, err)
	}
	return b.putBytes(ctx, fragmentPrefix(rel)+key+".json", data)
}

func (b *ObjectBroker) DeleteItemMetadata(ctx context.Context, relpath, key string) error {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return err
	}
	if err := naming.Validate("metadata key", key); err != nil {
		return err
	}
	name := fragmentPrefix(rel) + key + ".json"
	ok, err := b.exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errorir.Errorf(errorir.ErrKey, "metadata %q not set for %q in %s", key, rel, b.uri)
	}
	if err := b.store.remove(ctx, b.key(name)); err != nil {
		return storageErr("delete item metadata", err)
	}
	return nil
}

func (b *ObjectBroker) GetItemMetadata(ctx context.Context, relpath string) (map[string]any, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return nil, err
	}
	keys, err := b.names(ctx, fragmentPrefix(rel), ".json")
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		data, err := b.getBytes(ctx, fragmentPrefix(rel)+k+".json", "item metadata")
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, storageErr("decode item metadata "+k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (b *ObjectBroker) PutReadme(ctx context.Context, content string) error {
	return b.putBytes(ctx, objReadmeKey, []byte(content))
}

func (b *ObjectBroker) GetReadmeContent(ctx context.Context) (string, error) {
	data, err := b.getBytes(ctx, objReadmeKey, "README")
	return string(data), err
}

func (b *ObjectBroker) PutOverlay(ctx context.Context, name string, overlay manifest.Overlay) error {
	if err := naming.Validate("overlay", name); err != nil {
		return err
	}
	data, err := canonicalize.JCS(overlay)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "overlay %q: %v", name, err)
	}
	return b.putBytes(ctx, objOverlays+name+".json", data)
}

func (b *ObjectBroker) GetOverlay(ctx context.Context, name string) (manifest.Overlay, error) {
	if err := naming.Validate("overlay", name); err != nil {
		return nil, err
	}
	data, err := b.getBytes(ctx, objOverlays+name+".json", "overlay "+name)
	if err != nil {
		return nil, err
	}
	var o manifest.Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, storageErr("decode overlay "+name, err)
	}
	return o, nil
}

func (b *ObjectBroker) ListOverlayNames(ctx context.Context) ([]string, error) {
	return b.names(ctx, objOverlays, ".json")
}

func (b *ObjectBroker) PutTag(ctx context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	return b.putBytes(ctx, objTags+tag, nil)
}

func (b *ObjectBroker) DeleteTag(ctx context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	ok, err := b.exists(ctx, objTags+tag)
	if err != nil {
		return err
	}
	if !ok {
		return errorir.Errorf(errorir.ErrKey, "tag %q not found in %s", tag, b.uri)
	}
	if err := b.store.remove(ctx, b.key(objTags+tag)); err != nil {
		return storageErr("delete tag", err)
	}
	return nil
}

func (b *ObjectBroker) ListTags(ctx context.Context) ([]string, error) {
	return b.names(ctx, objTags, "")
}

func (b *ObjectBroker) CommitFreeze(ctx context.Context, m *manifest.Manifest, frozen admin.Metadata) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	if err := b.putBytes(ctx, objManifestKey, data); err != nil {
		return err
	}
	return b.PutAdminMetadata(ctx, frozen)
}

func (b *ObjectBroker) GetManifest(ctx context.Context) (*manifest.Manifest, error) {
	data, err := b.getBytes(ctx, objManifestKey, "manifest")
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

// PostFreeze removes the item metadata fragments.
func (b *ObjectBroker) PostFreeze(ctx context.Context) error {
	keys, err := b.store.list(ctx, b.key(objFragments))
	if err != nil {
		return storageErr("list fragments", err)
	}
	for _, k := range keys {
		if err := b.store.remove(ctx, k); err != nil {
			return storageErr("remove "+k, err)
		}
	}
	return nil
}
