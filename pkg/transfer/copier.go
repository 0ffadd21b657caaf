// Package transfer copies frozen datasets between storage locations.
//
// Copy is all or nothing: it creates a fresh destination and aborts on the
// first failure, leaving the destination unfrozen. CopyResume picks up an
// unfrozen destination, fills in what is missing, repairs what is corrupt
// and freezes only once every item is in place.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/dataset"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
	"github.com/Mindburn-Labs/helm-datasets/pkg/observability"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

// DefaultWorkers is the item parallelism when Copier.Workers is unset.
const DefaultWorkers = 4

// Copier moves datasets. The zero value is usable.
type Copier struct {
	// Workers bounds how many items are in flight at once.
	Workers int
	// Limiter, if set, paces item transfers.
	Limiter  *rate.Limiter
	Registry *storagebroker.Registry
	Logger   *slog.Logger
	Observer *observability.Provider
	Clock    clock.Clock
}

// Result describes what a transfer did, by relpath.
type Result struct {
	URI      string
	Copied   []string
	Skipped  []string
	Repaired []string
}

// IncompleteError is returned by CopyResume when some items could not be
// transferred. The destination stays unfrozen so the resume can be rerun.
type IncompleteError struct {
	URI      string
	Failures map[string]error
}

func (e *IncompleteError) Error() string {
	relpaths := e.relpaths()
	var b strings.Builder
	fmt.Fprintf(&b, "copy to %s incomplete: %d item(s) failed", e.URI, len(relpaths))
	for _, rel := range relpaths {
		fmt.Fprintf(&b, "; %s: %v", rel, e.Failures[rel])
	}
	return b.String()
}

// Unwrap exposes the per-item errors to errors.Is and errors.As.
func (e *IncompleteError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, rel := range e.relpaths() {
		out = append(out, e.Failures[rel])
	}
	return out
}

func (e *IncompleteError) relpaths() []string {
	out := make([]string, 0, len(e.Failures))
	for rel := range e.Failures {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

func (c *Copier) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkers
}

func (c *Copier) registry() *storagebroker.Registry {
	if c.Registry != nil {
		return c.Registry
	}
	return storagebroker.Default()
}

func (c *Copier) logger() *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "transfer")
}

func (c *Copier) datasetOptions() []dataset.Option {
	opts := []dataset.Option{
		dataset.WithRegistry(c.registry()),
		dataset.WithObserver(c.Observer),
	}
	if c.Logger != nil {
		opts = append(opts, dataset.WithLogger(c.Logger))
	}
	if c.Clock != nil {
		opts = append(opts, dataset.WithClock(c.Clock))
	}
	return opts
}

// Copy copies the frozen dataset at srcURI under destBaseURI and returns the
// frozen copy's location. Anything already at the destination is an
// ErrStorage; the first item failure aborts the copy.
func (c *Copier) Copy(ctx context.Context, srcURI, destBaseURI string) (*Result, error) {
	ctx, finish := c.Observer.TrackOperation(ctx, "dataset.copy",
		observability.TransferOperation(srcURI, destBaseURI, false)...)
	res, err := c.copy(ctx, srcURI, destBaseURI)
	finish(err)
	return res, err
}

func (c *Copier) copy(ctx context.Context, srcURI, destBaseURI string) (*Result, error) {
	src, err := dataset.FromURI(ctx, srcURI, c.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	overlays, err := sourceOverlays(ctx, src)
	if err != nil {
		return nil, err
	}

	dest, err := c.CreateDestination(ctx, src, destBaseURI)
	if err != nil {
		return nil, err
	}
	defer dest.Close()

	log := c.logger().With("src", src.URI(), "dest", dest.URI())
	log.InfoContext(ctx, "copy started", "items", len(src.Identifiers()))

	res := &Result{URI: dest.URI()}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers())
	for _, id := range src.Identifiers() {
		g.Go(func() error {
			props, err := c.copyItem(gctx, src, dest, id, storagebroker.PutStrict)
			if err == nil {
				err = applyItemMetadata(gctx, dest, id, props.Relpath, overlays)
			}
			if err != nil {
				c.Observer.RecordItemTransferred(gctx, observability.OutcomeFailed, 0)
				return err
			}
			c.Observer.RecordItemTransferred(gctx, observability.OutcomeCopied, props.SizeInBytes)
			mu.Lock()
			res.Copied = append(res.Copied, props.Relpath)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.ErrorContext(ctx, "copy aborted", "error", err)
		return nil, err
	}
	sort.Strings(res.Copied)

	frozen, err := dest.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	defer frozen.Close()

	log.InfoContext(ctx, "copy finished", "copied", len(res.Copied))
	return res, nil
}

// CreateDestination creates the proto-dataset a copy of src is written
// into: same identity as src, based_on pointing at src, README and tags
// already in place.
func (c *Copier) CreateDestination(ctx context.Context, src *dataset.DataSet, destBaseURI string) (*dataset.ProtoDataset, error) {
	m, err := admin.DeriveForCopy(src.AdminMetadata(), src.URI())
	if err != nil {
		return nil, err
	}
	dest, err := dataset.GenerateProtoDataset(ctx, m, destBaseURI, c.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	if err := c.initDestination(ctx, src, dest); err != nil {
		_ = dest.Close()
		return nil, err
	}
	return dest, nil
}

func (c *Copier) initDestination(ctx context.Context, src *dataset.DataSet, dest *dataset.ProtoDataset) error {
	if err := dest.Create(ctx); err != nil {
		return err
	}
	readme, err := src.GetReadmeContent(ctx)
	if err != nil {
		return err
	}
	if err := dest.PutReadme(ctx, readme); err != nil {
		return err
	}
	tags, err := src.GetTags(ctx)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := dest.PutTag(ctx, tag); err != nil {
			return err
		}
	}
	return nil
}

// CopyResume completes an interrupted copy of srcURI under destBaseURI.
// Missing items are copied, items whose hash differs from the source are
// overwritten, matching items are left alone. On partial failure it returns
// the Result so far together with an *IncompleteError.
func (c *Copier) CopyResume(ctx context.Context, srcURI, destBaseURI string) (*Result, error) {
	ctx, finish := c.Observer.TrackOperation(ctx, "dataset.copy_resume",
		observability.TransferOperation(srcURI, destBaseURI, true)...)
	res, err := c.copyResume(ctx, srcURI, destBaseURI)
	finish(err)
	return res, err
}

func (c *Copier) copyResume(ctx context.Context, srcURI, destBaseURI string) (*Result, error) {
	src, err := dataset.FromURI(ctx, srcURI, c.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	destURI, err := c.registry().GenerateURI(src.Name(), src.UUID(), destBaseURI)
	if err != nil {
		return nil, err
	}
	dest, err := dataset.ProtoDatasetFromURI(ctx, destURI, c.datasetOptions()...)
	if err != nil {
		return nil, err
	}
	defer dest.Close()
	if dest.UUID() != src.UUID() {
		return nil, errorir.Errorf(errorir.ErrValue, "%s holds dataset %s, not a copy of %s", destURI, dest.UUID(), src.UUID())
	}

	overlays, err := sourceOverlays(ctx, src)
	if err != nil {
		return nil, err
	}

	log := c.logger().With("src", src.URI(), "dest", dest.URI())
	log.InfoContext(ctx, "copy resume started", "items", len(src.Identifiers()))

	res := &Result{URI: dest.URI()}
	failures := make(map[string]error)
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.workers())
	for _, id := range src.Identifiers() {
		g.Go(func() error {
			relpath, outcome, size, err := c.resumeItem(ctx, src, dest, id, overlays)
			c.Observer.RecordItemTransferred(ctx, outcome, size)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case observability.OutcomeCopied:
				res.Copied = append(res.Copied, relpath)
			case observability.OutcomeSkipped:
				res.Skipped = append(res.Skipped, relpath)
			case observability.OutcomeRepaired:
				res.Repaired = append(res.Repaired, relpath)
			default:
				failures[relpath] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Copied)
	sort.Strings(res.Skipped)
	sort.Strings(res.Repaired)

	if err := c.checkNoStrays(ctx, src, dest, failures); err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		incomplete := &IncompleteError{URI: dest.URI(), Failures: failures}
		log.ErrorContext(ctx, "copy resume incomplete", "failed", len(failures))
		return res, incomplete
	}

	if err := reconcileAnnotations(ctx, src, dest); err != nil {
		return nil, err
	}
	if err := dropForeignItemMetadata(ctx, dest, overlays); err != nil {
		return nil, err
	}

	frozen, err := dest.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	defer frozen.Close()

	log.InfoContext(ctx, "copy resume finished",
		"copied", len(res.Copied),
		"skipped", len(res.Skipped),
		"repaired", len(res.Repaired),
	)
	return res, nil
}

// resumeItem brings one destination item in line with the source. The
// outcome is one of the observability.Outcome constants.
func (c *Copier) resumeItem(ctx context.Context, src *dataset.DataSet, dest *dataset.ProtoDataset,
	id manifest.Identifier, overlays map[string]manifest.Overlay) (string, string, int64, error) {
	want, err := src.ItemProperties(id)
	if err != nil {
		return string(id), observability.OutcomeFailed, 0, err
	}

	outcome := observability.OutcomeSkipped
	var size int64
	have, err := dest.StagedItem(ctx, want.Relpath)
	switch {
	case err == nil && have.Hash == want.Hash:
	case err == nil:
		c.logger().WarnContext(ctx, "repairing corrupt item",
			"dest", dest.URI(),
			"relpath", want.Relpath,
			"have_hash", have.Hash,
			"want_hash", want.Hash,
		)
		observability.AddSpanEvent(ctx, "item.repaired", observability.AttrOutcome.String(observability.OutcomeRepaired))
		props, err := c.copyItem(ctx, src, dest, id, storagebroker.PutOverwrite)
		if err != nil {
			return want.Relpath, observability.OutcomeFailed, 0, err
		}
		outcome, size = observability.OutcomeRepaired, props.SizeInBytes
	case errors.Is(err, errorir.ErrKey):
		props, err := c.copyItem(ctx, src, dest, id, storagebroker.PutStrict)
		if err != nil {
			return want.Relpath, observability.OutcomeFailed, 0, err
		}
		outcome, size = observability.OutcomeCopied, props.SizeInBytes
	default:
		return want.Relpath, observability.OutcomeFailed, 0, err
	}

	if err := applyItemMetadata(ctx, dest, id, want.Relpath, overlays); err != nil {
		return want.Relpath, observability.OutcomeFailed, 0, err
	}
	return want.Relpath, outcome, size, nil
}

// copyItem streams item id from src into dest and checks the written hash.
func (c *Copier) copyItem(ctx context.Context, src *dataset.DataSet, dest *dataset.ProtoDataset,
	id manifest.Identifier, mode storagebroker.PutMode) (manifest.ItemProperties, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return manifest.ItemProperties{}, err
		}
	}
	want, err := src.ItemProperties(id)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	rc, err := src.OpenItem(ctx, id)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	defer rc.Close()

	got, err := dest.PutItemReader(ctx, want.Relpath, rc, mode)
	if err != nil {
		return manifest.ItemProperties{}, err
	}
	if got.Hash != want.Hash {
		return manifest.ItemProperties{}, errorir.Errorf(errorir.ErrStorage,
			"item %q written to %s has hash %s, source has %s", want.Relpath, dest.URI(), got.Hash, want.Hash)
	}
	return got, nil
}

// checkNoStrays records a failure for every staged item the source does
// not have. Such an item would end up in the copy's manifest.
func (c *Copier) checkNoStrays(ctx context.Context, src *dataset.DataSet, dest *dataset.ProtoDataset, failures map[string]error) error {
	staged, err := dest.StagedRelpaths(ctx)
	if err != nil {
		return err
	}
	for _, rel := range staged {
		if _, err := src.ItemProperties(manifest.ComputeIdentifier(rel)); err != nil {
			failures[rel] = errorir.Errorf(errorir.ErrValue, "item %q in %s is not part of %s", rel, dest.URI(), src.URI())
		}
	}
	return nil
}

func sourceOverlays(ctx context.Context, src *dataset.DataSet) (map[string]manifest.Overlay, error) {
	names, err := src.ListOverlayNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]manifest.Overlay, len(names))
	for _, name := range names {
		o, err := src.GetOverlay(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = o
	}
	return out, nil
}

// applyItemMetadata stages the overlay values of item id so that freezing
// the destination regenerates the source's overlays.
func applyItemMetadata(ctx context.Context, dest *dataset.ProtoDataset, id manifest.Identifier, relpath string,
	overlays map[string]manifest.Overlay) error {
	for name, o := range overlays {
		v, ok := o[id]
		if !ok {
			continue
		}
		if err := dest.AddItemMetadata(ctx, relpath, name, v); err != nil {
			return err
		}
	}
	return nil
}

// dropForeignItemMetadata removes staged metadata that no source overlay
// holds for that item, so freezing dest regenerates exactly the source's
// overlays. Values the source does hold were already rewritten by
// applyItemMetadata.
func dropForeignItemMetadata(ctx context.Context, dest *dataset.ProtoDataset, overlays map[string]manifest.Overlay) error {
	staged, err := dest.StagedRelpaths(ctx)
	if err != nil {
		return err
	}
	for _, rel := range staged {
		md, err := dest.GetItemMetadata(ctx, rel)
		if err != nil {
			return err
		}
		id := manifest.ComputeIdentifier(rel)
		for key := range md {
			if _, ok := overlays[key][id]; ok {
				continue
			}
			if err := dest.DeleteItemMetadata(ctx, rel, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileAnnotations makes the README and tags of dest match src.
func reconcileAnnotations(ctx context.Context, src *dataset.DataSet, dest *dataset.ProtoDataset) error {
	want, err := src.GetReadmeContent(ctx)
	if err != nil {
		return err
	}
	have, err := dest.GetReadmeContent(ctx)
	if err != nil {
		return err
	}
	if have != want {
		if err := dest.PutReadme(ctx, want); err != nil {
			return err
		}
	}

	srcTags, err := src.GetTags(ctx)
	if err != nil {
		return err
	}
	destTags, err := dest.GetTags(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(srcTags))
	for _, tag := range srcTags {
		keep[tag] = true
		if err := dest.PutTag(ctx, tag); err != nil {
			return err
		}
	}
	for _, tag := range destTags {
		if !keep[tag] {
			if err := dest.DeleteTag(ctx, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// Copy copies srcURI under destBaseURI with a default Copier and returns the
// destination URI.
func Copy(ctx context.Context, srcURI, destBaseURI string) (string, error) {
	res, err := (&Copier{}).Copy(ctx, srcURI, destBaseURI)
	if err != nil {
		return "", err
	}
	return res.URI, nil
}

// CopyResume resumes a copy with a default Copier and returns the
// destination URI.
func CopyResume(ctx context.Context, srcURI, destBaseURI string) (string, error) {
	res, err := (&Copier{}).CopyResume(ctx, srcURI, destBaseURI)
	if err != nil {
		return "", err
	}
	return res.URI, nil
}
