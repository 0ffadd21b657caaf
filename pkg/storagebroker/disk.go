package storagebroker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
)

// Disk layout, relative to the dataset directory.
const (
	diskAdminDir     = ".dtool"
	diskAdminFile    = ".dtool/dtool"
	diskManifestFile = ".dtool/manifest.json"
	diskOverlaysDir  = ".dtool/overlays"
	diskTagsDir      = ".dtool/tags"
	diskFragmentsDir = ".dtool/tmp_fragments"
	diskStagingDir   = ".dtool/tmp_items"
	diskReadmeFile   = "README.yml"
	diskDataDir      = "data"
)

// DiskBackend serves file:// URIs. A dataset called name under base lives in
// the directory <base>/<name>.
type DiskBackend struct{}

func (DiskBackend) Scheme() string { return "file" }

func (DiskBackend) GenerateURI(name, _ string, baseURI string) (string, error) {
	base, err := filePath(baseURI)
	if err != nil {
		return "", err
	}
	return fileURI(filepath.Join(base, name)), nil
}

func (DiskBackend) Open(_ context.Context, uri string) (Broker, error) {
	root, err := filePath(uri)
	if err != nil {
		return nil, err
	}
	return &DiskBroker{uri: fileURI(root), root: root}, nil
}

func filePath(uri string) (string, error) {
	_, normalized, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(normalized)
	if err != nil || u.Scheme != "file" {
		return "", errorir.Errorf(errorir.ErrValue, "not a file URI: %q", uri)
	}
	return filepath.Clean(filepath.FromSlash(u.Path)), nil
}

func fileURI(abspath string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abspath)}).String()
}

// DiskBroker keeps a dataset as a plain directory tree. Item bytes are
// ordinary files under data/, so other tools can read them in place.
type DiskBroker struct {
	uri  string
	root string
}

func (b *DiskBroker) URI() string  { return b.uri }
func (b *DiskBroker) Close() error { return nil }

func (b *DiskBroker) abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

func (b *DiskBroker) Create(_ context.Context) error {
	//nolint:gosec // G301: dataset directories are shared read-only artifacts
	if err := os.MkdirAll(filepath.Dir(b.root), 0755); err != nil {
		return storageErr("create base directory", err)
	}
	//nolint:gosec // G301
	if err := os.Mkdir(b.root, 0755); err != nil {
		return storageErr("create "+b.uri, err)
	}
	for _, dir := range []string{diskAdminDir, diskDataDir, diskOverlaysDir, diskTagsDir, diskFragmentsDir, diskStagingDir} {
		//nolint:gosec // G301
		if err := os.MkdirAll(b.abs(dir), 0755); err != nil {
			return storageErr("create "+dir, err)
		}
	}
	return b.writeFile(diskReadmeFile, nil)
}

// writeFile replaces rel atomically: temp file in the same directory, then rename.
func (b *DiskBroker) writeFile(rel string, data []byte) error {
	dest := b.abs(rel)
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return storageErr("write "+rel, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return storageErr("write "+rel, err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("write "+rel, err)
	}
	//nolint:gosec // G302: metadata files are world readable like the data
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return storageErr("write "+rel, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return storageErr("commit "+rel, err)
	}
	return nil
}

func (b *DiskBroker) readFile(rel, what string) ([]byte, error) {
	data, err := os.ReadFile(b.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errorir.Errorf(errorir.ErrKey, "%s not found in %s", what, b.uri)
		}
		return nil, storageErr("read "+rel, err)
	}
	return data, nil
}

func (b *DiskBroker) PutAdminMetadata(_ context.Context, m admin.Metadata) error {
	data, err := admin.Encode(m)
	if err != nil {
		return err
	}
	return b.writeFile(diskAdminFile, data)
}

func (b *DiskBroker) GetAdminMetadata(_ context.Context) (admin.Metadata, error) {
	data, err := b.readFile(diskAdminFile, "admin metadata")
	if err != nil {
		return admin.Metadata{}, err
	}
	return admin.Decode(data)
}

func (b *DiskBroker) HasAdminMetadata(_ context.Context) (bool, error) {
	_, err := os.Stat(b.abs(diskAdminFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, storageErr("stat admin metadata", err)
}

func (b *DiskBroker) itemFile(relpath string) (string, string, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return "", "", err
	}
	return rel, b.abs(path.Join(diskDataDir, rel)), nil
}

func (b *DiskBroker) PutItem(ctx context.Context, relpath string, r io.Reader, mode PutMode) (manifest.ItemProperties, error) {
	rel, dest, err := b.itemFile(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}

	//nolint:gosec // G301
	if err := os.MkdirAll(b.abs(diskStagingDir), 0755); err != nil {
		return manifest.ItemProperties{}, storageErr("stage "+rel, err)
	}
	tmp, err := os.CreateTemp(b.abs(diskStagingDir), "item-*")
	if err != nil {
		return manifest.ItemProperties{}, storageErr("stage "+rel, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename
	incoming, _, err := HashReader(io.TeeReader(r, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return manifest.ItemProperties{}, storageErr("stage "+rel, err)
	}

	if mode == PutStrict {
		existing, err := hashFile(dest)
		switch {
		case err == nil && existing == incoming:
			return b.ItemProperties(ctx, rel)
		case err == nil:
			return manifest.ItemProperties{}, conflict(b.uri, rel, existing, incoming)
		case !errors.Is(err, fs.ErrNotExist):
			return manifest.ItemProperties{}, storageErr("read "+rel, err)
		}
	}

	//nolint:gosec // G301
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return manifest.ItemProperties{}, storageErr("put "+rel, err)
	}
	//nolint:gosec // G302
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return manifest.ItemProperties{}, storageErr("put "+rel, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return manifest.ItemProperties{}, storageErr("put "+rel, err)
	}
	return b.ItemProperties(ctx, rel)
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p) //nolint:gosec // path is built from a validated relpath
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only
	h, _, err := HashReader(f)
	return h, err
}

func (b *DiskBroker) OpenItem(_ context.Context, relpath string) (io.ReadCloser, error) {
	rel, p, err := b.itemFile(relpath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // validated relpath
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
		}
		return nil, storageErr("open "+rel, err)
	}
	return f, nil
}

// ItemProperties hashes the stored file. The timestamp is its mtime.
func (b *DiskBroker) ItemProperties(_ context.Context, relpath string) (manifest.ItemProperties, error) {
	rel, p, err := b.itemFile(relpath)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrKey, "item %q not found in %s", rel, b.uri)
		}
		return manifest.ItemProperties{}, storageErr("stat "+rel, err)
	}
	h, err := hashFile(p)
	if err != nil {
		return manifest.ItemProperties{}, storageErr("hash "+rel, err)
	}
	return manifest.ItemProperties{
		Relpath:      rel,
		SizeInBytes:  fi.Size(),
		Hash:         h,
		UTCTimestamp: clock.FromTime(fi.ModTime()),
	}, nil
}

func (b *DiskBroker) ItemHandles(_ context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dataDir := b.abs(diskDataDir)
		err := filepath.WalkDir(dataDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dataDir, p)
			if err != nil {
				return err
			}
			if !yield(filepath.ToSlash(rel), nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", storageErr("list items", err))
		}
	}
}

func (b *DiskBroker) ItemPath(relpath string) (string, error) {
	_, p, err := b.itemFile(relpath)
	return p, err
}

func fragmentName(relpath, key string) string {
	return string(manifest.ComputeIdentifier(relpath)) + "." + key + ".json"
}

func (b *DiskBroker) AddItemMetadata(_ context.Context, relpath, key string, value any) error {
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
	return b.writeFile(path.Join(diskFragmentsDir, fragmentName(rel, key)), data)
}

func (b *DiskBroker) DeleteItemMetadata(_ context.Context, relpath, key string) error {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return err
	}
	if err := naming.Validate("metadata key", key); err != nil {
		return err
	}
	err = os.Remove(b.abs(path.Join(diskFragmentsDir, fragmentName(rel, key))))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errorir.Errorf(errorir.ErrKey, "metadata %q not set for %q in %s", key, rel, b.uri)
		}
		return storageErr("delete item metadata", err)
	}
	return nil
}

func (b *DiskBroker) GetItemMetadata(_ context.Context, relpath string) (map[string]any, error) {
	rel, err := naming.ValidateRelpath(relpath)
	if err != nil {
		return nil, err
	}
	prefix := string(manifest.ComputeIdentifier(rel)) + "."
	entries, err := os.ReadDir(b.abs(diskFragmentsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, storageErr("list item metadata", err)
	}
	out := make(map[string]any)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		data, err := b.readFile(path.Join(diskFragmentsDir, name), "item metadata")
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, storageErr("decode item metadata "+name, err)
		}
		out[key] = v
	}
	return out, nil
}

func (b *DiskBroker) PutReadme(_ context.Context, content string) error {
	return b.writeFile(diskReadmeFile, []byte(content))
}

func (b *DiskBroker) GetReadmeContent(_ context.Context) (string, error) {
	data, err := b.readFile(diskReadmeFile, "README")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *DiskBroker) PutOverlay(_ context.Context, name string, overlay manifest.Overlay) error {
	if err := naming.Validate("overlay", name); err != nil {
		return err
	}
	data, err := canonicalize.JCS(overlay)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "overlay %q: %v", name, err)
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(b.abs(diskOverlaysDir), 0755); err != nil {
		return storageErr("put overlay", err)
	}
	return b.writeFile(path.Join(diskOverlaysDir, name+".json"), data)
}

func (b *DiskBroker) GetOverlay(_ context.Context, name string) (manifest.Overlay, error) {
	if err := naming.Validate("overlay", name); err != nil {
		return nil, err
	}
	data, err := b.readFile(path.Join(diskOverlaysDir, name+".json"), "overlay "+name)
	if err != nil {
		return nil, err
	}
	var o manifest.Overlay
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, storageErr("decode overlay "+name, err)
	}
	return o, nil
}

func (b *DiskBroker) listDir(rel, suffix string) ([]string, error) {
	entries, err := os.ReadDir(b.abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, storageErr("list "+rel, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".tmp-") || !strings.HasSuffix(name, suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, suffix))
	}
	sort.Strings(out)
	return out, nil
}

func (b *DiskBroker) ListOverlayNames(_ context.Context) ([]string, error) {
	return b.listDir(diskOverlaysDir, ".json")
}

func (b *DiskBroker) PutTag(_ context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	//nolint:gosec // G301
	if err := os.MkdirAll(b.abs(diskTagsDir), 0755); err != nil {
		return storageErr("put tag", err)
	}
	return b.writeFile(path.Join(diskTagsDir, tag), nil)
}

func (b *DiskBroker) DeleteTag(_ context.Context, tag string) error {
	if err := naming.Validate("tag", tag); err != nil {
		return err
	}
	err := os.Remove(b.abs(path.Join(diskTagsDir, tag)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errorir.Errorf(errorir.ErrKey, "tag %q not found in %s", tag, b.uri)
		}
		return storageErr("delete tag", err)
	}
	return nil
}

func (b *DiskBroker) ListTags(_ context.Context) ([]string, error) {
	return b.listDir(diskTagsDir, "")
}

func (b *DiskBroker) CommitFreeze(ctx context.Context, m *manifest.Manifest, frozen admin.Metadata) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	if err := b.writeFile(diskManifestFile, data); err != nil {
		return err
	}
	return b.PutAdminMetadata(ctx, frozen)
}

func (b *DiskBroker) GetManifest(_ context.Context) (*manifest.Manifest, error) {
	data, err := b.readFile(diskManifestFile, "manifest")
	if err != nil {
		return nil, err
	}
	return manifest.Decode(data)
}

// PostFreeze drops the metadata fragments and staging area.
func (b *DiskBroker) PostFreeze(_ context.Context) error {
	for _, dir := range []string{diskFragmentsDir, diskStagingDir} {
		if err := os.RemoveAll(b.abs(dir)); err != nil {
			return storageErr("cleanup "+dir, err)
		}
	}
	return nil
}
