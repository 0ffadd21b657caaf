package manifest_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
)

func TestComputeIdentifier(t *testing.T) {
	id := manifest.ComputeIdentifier("tiny.png")
	assert.Len(t, string(id), 40)
	assert.Equal(t, manifest.ComputeIdentifier("tiny.png"), id)

	assert.Equal(t, manifest.ComputeIdentifier("dir/a.txt"), manifest.ComputeIdentifier(`dir\a.txt`))
	assert.Equal(t, manifest.ComputeIdentifier("dir/a.txt"), manifest.ComputeIdentifier("./dir//a.txt"))
	assert.NotEqual(t, manifest.ComputeIdentifier("dir/a.txt"), manifest.ComputeIdentifier("dir/b.txt"))
	assert.Equal(t, manifest.Identifier("da39a3ee5e6b4b0d3255bfef95601890afd80709"), manifest.ComputeIdentifier(""))
}

func sampleEntries() []manifest.Entry {
	return []manifest.Entry{
		{Properties: manifest.ItemProperties{Relpath: "b.txt", SizeInBytes: 3, Hash: "h2", UTCTimestamp: 1709296215.5}},
		{Properties: manifest.ItemProperties{Relpath: "a.txt", SizeInBytes: 1, Hash: "h1", UTCTimestamp: 1709296215.123456}},
	}
}

func TestBuild(t *testing.T) {
	m, err := manifest.Build("md5sum_hexdigest", sampleEntries())
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", m.SchemaVersion)
	assert.Equal(t, "md5sum_hexdigest", m.HashFunction)
	require.Len(t, m.Items, 2)

	ids := m.Identifiers()
	require.Len(t, ids, 2)
	assert.True(t, ids[0] < ids[1])

	props, err := m.Item(manifest.ComputeIdentifier("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), props.SizeInBytes)

	_, err = m.Item("0000000000000000000000000000000000000000")
	assert.True(t, errors.Is(err, errorir.ErrKey))
}

func TestBuildDuplicate(t *testing.T) {
	entries := []manifest.Entry{
		{Properties: manifest.ItemProperties{Relpath: "dir/a.txt", Hash: "x"}},
		{Properties: manifest.ItemProperties{Relpath: `dir\a.txt`, Hash: "y"}},
	}
	_, err := manifest.Build("md5sum_hexdigest", entries)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrDuplicateItem))
}

func TestBuildRejectsForeignIdentifier(t *testing.T) {
	entries := []manifest.Entry{{
		Identifier: manifest.ComputeIdentifier("other.txt"),
		Properties: manifest.ItemProperties{Relpath: "a.txt", Hash: "x"},
	}}
	_, err := manifest.Build("md5sum_hexdigest", entries)
	assert.True(t, errors.Is(err, errorir.ErrValue))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m, err := manifest.Build("md5sum_hexdigest", sampleEntries())
	require.NoError(t, err)

	data, err := manifest.Encode(m)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"hash_function":"md5sum_hexdigest","items":{`))

	back, err := manifest.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, back)

	d1, err := m.Digest()
	require.NoError(t, err)
	d2, err := back.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, clock.Timestamp(1709296215.123456), back.Items[manifest.ComputeIdentifier("a.txt")].UTCTimestamp)
}

func TestDecodeEmpty(t *testing.T) {
	m, err := manifest.Decode([]byte(`{"schema_version":"1.0.0","hash_function":"md5sum_hexdigest","items":{}}`))
	require.NoError(t, err)
	assert.Empty(t, m.Identifiers())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		kind error
	}{
		{"future major", `{"schema_version":"2.0.0","hash_function":"md5","items":{}}`, errorir.ErrType},
		{"not json", `{`, errorir.ErrValue},
		{"missing items", `{"schema_version":"1.0.0","hash_function":"md5"}`, errorir.ErrValue},
		{"bad identifier", `{"schema_version":"1.0.0","hash_function":"md5","items":{"xyz":{"relpath":"a","size_in_bytes":1,"hash":"h","utc_timestamp":1}}}`, errorir.ErrValue},
		{"negative size", `{"schema_version":"1.0.0","hash_function":"md5","items":{"da39a3ee5e6b4b0d3255bfef95601890afd80709":{"relpath":"a","size_in_bytes":-1,"hash":"h","utc_timestamp":1}}}`, errorir.ErrValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manifest.Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), err.Error())
		})
	}
}
