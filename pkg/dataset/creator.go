package dataset

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helm-datasets/pkg/admin"
)

// Creator wraps the create, fill, freeze sequence. Close freezes. Tag calls
// made after Close go to the frozen dataset, since tags stay mutable.
type Creator struct {
	mu    sync.Mutex
	proto *ProtoDataset
	ds    *DataSet
}

// NewCreator creates the proto-dataset name under baseURI.
func NewCreator(ctx context.Context, name, baseURI string, opts ...Option) (*Creator, error) {
	o := buildOptions(opts)
	m, err := admin.Generate(name, o.creator, admin.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	return newCreator(ctx, m, baseURI, opts)
}

// CreateDerived creates a proto-dataset whose based_on references src.
func CreateDerived(ctx context.Context, src *DataSet, name, baseURI string, opts ...Option) (*Creator, error) {
	o := buildOptions(opts)
	m, err := admin.Generate(name, o.creator, admin.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	m.BasedOn = &admin.BasedOn{UUID: src.UUID(), Name: src.Name(), URI: src.URI()}
	return newCreator(ctx, m, baseURI, opts)
}

func newCreator(ctx context.Context, m admin.Metadata, baseURI string, opts []Option) (*Creator, error) {
	p, err := GenerateProtoDataset(ctx, m, baseURI, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Create(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &Creator{proto: p}, nil
}

func (c *Creator) URI() string { return c.proto.URI() }

// Proto exposes the underlying proto-dataset.
func (c *Creator) Proto() *ProtoDataset { return c.proto }

func (c *Creator) PutItem(ctx context.Context, fpath, relpath string) (string, error) {
	props, err := c.proto.PutItem(ctx, fpath, relpath)
	if err != nil {
		return "", err
	}
	return props.Relpath, nil
}

func (c *Creator) AddItemMetadata(ctx context.Context, relpath, key string, value any) error {
	return c.proto.AddItemMetadata(ctx, relpath, key, value)
}

func (c *Creator) PutReadme(ctx context.Context, content string) error {
	return c.proto.PutReadme(ctx, content)
}

func (c *Creator) frozen() *DataSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ds
}

func (c *Creator) PutTag(ctx context.Context, tag string) error {
	if ds := c.frozen(); ds != nil {
		return ds.PutTag(ctx, tag)
	}
	return c.proto.PutTag(ctx, tag)
}

func (c *Creator) DeleteTag(ctx context.Context, tag string) error {
	if ds := c.frozen(); ds != nil {
		return ds.DeleteTag(ctx, tag)
	}
	return c.proto.DeleteTag(ctx, tag)
}

func (c *Creator) GetTags(ctx context.Context) ([]string, error) {
	if ds := c.frozen(); ds != nil {
		return ds.GetTags(ctx)
	}
	return c.proto.GetTags(ctx)
}

// Close freezes the dataset. Closing twice fails with ErrType.
func (c *Creator) Close(ctx context.Context) (*DataSet, error) {
	ds, err := c.proto.Freeze(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ds = ds
	c.mu.Unlock()
	return ds, nil
}
