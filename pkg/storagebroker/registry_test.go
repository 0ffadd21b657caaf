package storagebroker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{"file", "postgres", "sqlite"}, Default().Schemes())
	assert.Same(t, Default(), Default())
}

func TestParseURI(t *testing.T) {
	dir := t.TempDir()
	scheme, uri, err := ParseURI(dir)
	require.NoError(t, err)
	assert.Equal(t, "file", scheme)
	assert.Equal(t, fileURI(dir), uri)

	scheme, uri, err = ParseURI("s3://bucket/abc/")
	require.NoError(t, err)
	assert.Equal(t, "s3", scheme)
	assert.Equal(t, "s3://bucket/abc", uri)

	_, _, err = ParseURI("")
	assert.True(t, errors.Is(err, errorir.ErrValue))
}

func TestRegistryOpenAndGenerate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(DiskBackend{}))
	require.NoError(t, reg.Register(NewS3BackendWithClient(newFakeS3())))
	assert.True(t, errors.Is(reg.Register(DiskBackend{}), errorir.ErrValue))

	base := t.TempDir()
	uri, err := reg.GenerateURI("my_ds", "uuid-1", base)
	require.NoError(t, err)
	assert.Equal(t, fileURI(filepath.Join(base, "my_ds")), uri)

	b, err := reg.Open(context.Background(), uri)
	require.NoError(t, err)
	assert.IsType(t, &DiskBroker{}, b)
	assert.Equal(t, uri, b.URI())

	uri, err = reg.GenerateURI("my_ds", "1e47c076", "s3://bucket/datasets/")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/datasets/1e47c076", uri)
	b, err = reg.Open(context.Background(), uri)
	require.NoError(t, err)
	assert.IsType(t, &ObjectBroker{}, b)

	_, err = reg.Open(context.Background(), "azure://container/x")
	assert.True(t, errors.Is(err, errorir.ErrKey))
}

func TestRegisterDefaults(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDefaults(reg))
	assert.Equal(t, Default().Schemes(), reg.Schemes())
	assert.True(t, errors.Is(RegisterDefaults(reg), errorir.ErrValue))
}
