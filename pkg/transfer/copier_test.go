package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
	"github.com/Mindburn-Labs/helm-datasets/pkg/transfer"
)

const overlayName = "file_extension"

var sampleFiles = map[string]string{
	"another_file.txt":   "Hello from another file\n",
	"random_bytes":       "\x00\x01\x02\xfe\xff random",
	"tiny.png":           "\x89PNG\r\n\x1a\n",
	"actually_a_png.txt": "\x89PNG\r\n\x1a\nnot text",
}

const tolerance = 2 * time.Second

// createSource freezes the sample files as dataset "test_copy" under
// srcBase and returns its URI.
func createSource(t *testing.T, srcBase string) string {
	t.Helper()
	ctx := context.Background()

	m, err := admin.Generate("test_copy", "")
	require.NoError(t, err)
	proto, err := dataset.GenerateProtoDataset(ctx, m, srcBase)
	require.NoError(t, err)
	require.NoError(t, proto.Create(ctx))
	require.NoError(t, proto.PutReadme(ctx, "---\nproject: exciting\n"))
	require.NoError(t, proto.PutTag(ctx, "testing"))

	for name, content := range sampleFiles {
		_, err := proto.PutItemReader(ctx, name, bytes.NewReader([]byte(content)), storagebroker.PutStrict)
		require.NoError(t, err)
		require.NoError(t, proto.AddItemMetadata(ctx, name, overlayName, filepath.Ext(name)))
	}
	ds, err := proto.Freeze(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	return proto.URI()
}

func openDataset(t *testing.T, uri string) *dataset.DataSet {
	t.Helper()
	ds, err := dataset.FromURI(context.Background(), uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

// assertCopyOf checks that dest carries the identity, items, README,
// overlays and tags of src.
func assertCopyOf(t *testing.T, srcURI, destURI string) {
	t.Helper()
	ctx := context.Background()
	src, dest := openDataset(t, srcURI), openDataset(t, destURI)

	sm, dm := src.AdminMetadata(), dest.AdminMetadata()
	assert.True(t, admin.EqualIdentity(sm, dm))
	require.NotNil(t, dm.FrozenAt)
	assert.GreaterOrEqual(t, float64(*dm.FrozenAt), float64(*sm.FrozenAt))
	assert.Less(t, dm.FrozenAt.Sub(*sm.FrozenAt), tolerance)
	require.NotNil(t, dm.BasedOn)
	assert.Equal(t, srcURI, dm.BasedOn.URI)

	require.Equal(t, src.Identifiers(), dest.Identifiers())
	for _, id := range src.Identifiers() {
		sp, err := src.ItemProperties(id)
		require.NoError(t, err)
		dp, err := dest.ItemProperties(id)
		require.NoError(t, err)
		assert.Equal(t, sp.Relpath, dp.Relpath)
		assert.Equal(t, sp.Hash, dp.Hash)
		assert.Equal(t, sp.SizeInBytes, dp.SizeInBytes)
		assert.GreaterOrEqual(t, float64(dp.UTCTimestamp), float64(sp.UTCTimestamp))
		assert.Less(t, dp.UTCTimestamp.Sub(sp.UTCTimestamp), tolerance)
	}

	sr, err := src.GetReadmeContent(ctx)
	require.NoError(t, err)
	dr, err := dest.GetReadmeContent(ctx)
	require.NoError(t, err)
	assert.Equal(t, sr, dr)

	sn, err := src.ListOverlayNames(ctx)
	require.NoError(t, err)
	dn, err := dest.ListOverlayNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, sn, dn)

	so, err := src.GetOverlay(ctx, overlayName)
	require.NoError(t, err)
	do, err := dest.GetOverlay(ctx, overlayName)
	require.NoError(t, err)
	assert.Equal(t, so, do)

	st, err := src.GetTags(ctx)
	require.NoError(t, err)
	dt, err := dest.GetTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, st, dt)

	report, err := dest.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func dirs(t *testing.T) (string, string) {
	tmp := t.TempDir()
	src, dest := filepath.Join(tmp, "src"), filepath.Join(tmp, "dest")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.Mkdir(dest, 0o755))
	return src, dest
}

func TestCopy(t *testing.T) {
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	destURI, err := transfer.Copy(context.Background(), srcURI, destBase)
	require.NoError(t, err)
	assert.NotEqual(t, srcURI, destURI)

	assertCopyOf(t, srcURI, destURI)
}

func TestCopyReportsItems(t *testing.T) {
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	c := &transfer.Copier{Workers: 2, Limiter: rate.NewLimiter(rate.Inf, 1)}
	res, err := c.Copy(context.Background(), srcURI, destBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"actually_a_png.txt", "another_file.txt", "random_bytes", "tiny.png"}, res.Copied)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Repaired)
}

func TestCopyRequiresFrozenSource(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)

	c, err := dataset.NewCreator(ctx, "unfinished", srcBase)
	require.NoError(t, err)

	_, err = transfer.Copy(ctx, c.URI(), destBase)
	assert.True(t, errors.Is(err, errorir.ErrType), err)
}

func TestCopyResume(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	// Partial copy: destination created, no items.
	copier := &transfer.Copier{}
	dest, err := copier.CreateDestination(ctx, openDataset(t, srcURI), destBase)
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	// A strict copy refuses the partial destination and leaves it alone.
	_, err = transfer.Copy(ctx, srcURI, destBase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrStorage), err)
	_, err = dataset.FromURI(ctx, dest.URI())
	assert.True(t, errors.Is(err, errorir.ErrType), "destination is still a proto-dataset")

	destURI, err := transfer.CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)
	assert.Equal(t, dest.URI(), destURI)
	assertCopyOf(t, srcURI, destURI)

	// A frozen destination cannot be resumed.
	_, err = transfer.CopyResume(ctx, srcURI, destBase)
	assert.True(t, errors.Is(err, errorir.ErrType), err)
}

func TestCopyResumeFixesBrokenFiles(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	copier := &transfer.Copier{}
	dest, err := copier.CreateDestination(ctx, openDataset(t, srcURI), destBase)
	require.NoError(t, err)
	_, err = dest.PutItemReader(ctx, "random_bytes",
		bytes.NewReader([]byte(sampleFiles["another_file.txt"])), storagebroker.PutStrict)
	require.NoError(t, err)
	_, err = dest.PutItemReader(ctx, "tiny.png",
		bytes.NewReader([]byte(sampleFiles["tiny.png"])), storagebroker.PutStrict)
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	res, err := copier.CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"random_bytes"}, res.Repaired)
	assert.Equal(t, []string{"tiny.png"}, res.Skipped)
	assert.Equal(t, []string{"actually_a_png.txt", "another_file.txt"}, res.Copied)

	assertCopyOf(t, srcURI, res.URI)
}

func TestCopyResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	copier := &transfer.Copier{}
	dest, err := copier.CreateDestination(ctx, openDataset(t, srcURI), destBase)
	require.NoError(t, err)
	for name, content := range sampleFiles {
		_, err := dest.PutItemReader(ctx, name, bytes.NewReader([]byte(content)), storagebroker.PutStrict)
		require.NoError(t, err)
	}
	require.NoError(t, dest.PutTag(ctx, "stale"))
	require.NoError(t, dest.Close())

	res, err := copier.CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)
	assert.Empty(t, res.Copied)
	assert.Empty(t, res.Repaired)
	assert.Len(t, res.Skipped, len(sampleFiles))

	assertCopyOf(t, srcURI, res.URI)
}

func TestCopyResumeDropsForeignItemMetadata(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	copier := &transfer.Copier{}
	dest, err := copier.CreateDestination(ctx, openDataset(t, srcURI), destBase)
	require.NoError(t, err)
	_, err = dest.PutItemReader(ctx, "tiny.png",
		bytes.NewReader([]byte(sampleFiles["tiny.png"])), storagebroker.PutStrict)
	require.NoError(t, err)
	require.NoError(t, dest.AddItemMetadata(ctx, "tiny.png", "junk", "stale"))
	require.NoError(t, dest.AddItemMetadata(ctx, "tiny.png", overlayName, ".bogus"))
	require.NoError(t, dest.Close())

	res, err := copier.CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)

	names, err := openDataset(t, res.URI).ListOverlayNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{overlayName}, names)
	assertCopyOf(t, srcURI, res.URI)
}

// sourceItemPath is where the file broker keeps relpath of the sample source.
func sourceItemPath(srcBase, relpath string) string {
	return filepath.Join(srcBase, "test_copy", "data", relpath)
}

func TestCopyAbortsOnMissingSourceItem(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)
	victim := sourceItemPath(srcBase, "random_bytes")
	require.NoError(t, os.Remove(victim))

	_, err := transfer.Copy(ctx, srcURI, destBase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrKey), err)

	_, err = dataset.FromURI(ctx, filepath.Join(destBase, "test_copy"))
	assert.True(t, errors.Is(err, errorir.ErrType), "destination must stay a proto-dataset: %v", err)

	require.NoError(t, os.WriteFile(victim, []byte(sampleFiles["random_bytes"]), 0o644))
	res, err := (&transfer.Copier{}).CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)
	assert.Contains(t, res.Copied, "random_bytes")
	assertCopyOf(t, srcURI, res.URI)
}

func TestCopyAbortsOnSourceHashMismatch(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)
	victim := sourceItemPath(srcBase, "random_bytes")
	require.NoError(t, os.WriteFile(victim, []byte("tampered"), 0o644))

	_, err := transfer.Copy(ctx, srcURI, destBase)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrStorage), err)
	assert.Contains(t, err.Error(), "random_bytes")

	_, err = dataset.FromURI(ctx, filepath.Join(destBase, "test_copy"))
	assert.True(t, errors.Is(err, errorir.ErrType), "destination must stay a proto-dataset: %v", err)

	require.NoError(t, os.WriteFile(victim, []byte(sampleFiles["random_bytes"]), 0o644))
	res, err := (&transfer.Copier{}).CopyResume(ctx, srcURI, destBase)
	require.NoError(t, err)
	assert.Equal(t, []string{"random_bytes"}, res.Repaired)
	assertCopyOf(t, srcURI, res.URI)
}

func TestCopyResumeRefusesStrayItems(t *testing.T) {
	ctx := context.Background()
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	copier := &transfer.Copier{}
	dest, err := copier.CreateDestination(ctx, openDataset(t, srcURI), destBase)
	require.NoError(t, err)
	_, err = dest.PutItemReader(ctx, "extra.txt", bytes.NewReader([]byte("extra")), storagebroker.PutStrict)
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	res, err := copier.CopyResume(ctx, srcURI, destBase)
	var incomplete *transfer.IncompleteError
	require.True(t, errors.As(err, &incomplete), err)
	assert.Contains(t, incomplete.Failures, "extra.txt")
	assert.True(t, errors.Is(err, errorir.ErrValue))
	assert.Len(t, res.Copied, len(sampleFiles))

	_, err = dataset.ProtoDatasetFromURI(ctx, res.URI)
	require.NoError(t, err, "destination stays unfrozen")
}

func TestCopyResumeWithoutDestination(t *testing.T) {
	srcBase, destBase := dirs(t)
	srcURI := createSource(t, srcBase)

	_, err := transfer.CopyResume(context.Background(), srcURI, destBase)
	assert.True(t, errors.Is(err, errorir.ErrKey), err)
}

func TestCopyAcrossBackends(t *testing.T) {
	srcBase, _ := dirs(t)
	srcURI := createSource(t, srcBase)
	destBase := "sqlite://" + filepath.ToSlash(filepath.Join(t.TempDir(), "datasets.db"))

	destURI, err := transfer.Copy(context.Background(), srcURI, destBase)
	require.NoError(t, err)
	assert.Contains(t, destURI, "dataset=test_copy")

	assertCopyOf(t, srcURI, destURI)
}

func TestIncompleteErrorUnwrap(t *testing.T) {
	conflict := &errorir.ItemConflictError{Relpath: "a"}
	err := &transfer.IncompleteError{URI: "file:///d", Failures: map[string]error{
		"a": conflict,
		"b": errorir.Errorf(errorir.ErrKey, "gone"),
	}}
	assert.True(t, errors.Is(err, errorir.ErrStorage))
	assert.True(t, errors.Is(err, errorir.ErrKey))
	assert.Contains(t, err.Error(), "2 item(s) failed")

	var target *errorir.ItemConflictError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, "a", target.Relpath)
}
