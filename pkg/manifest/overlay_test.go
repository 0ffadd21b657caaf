package manifest_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/manifest"
)

func TestValidateOverlayValue(t *testing.T) {
	for _, v := range []any{nil, "png", true, 3, 2.5, int64(7)} {
		assert.NoError(t, manifest.ValidateOverlayValue(v), "%v", v)
	}
	for _, v := range []any{[]string{"a"}, map[string]any{"k": 1}, struct{}{}} {
		assert.True(t, errors.Is(manifest.ValidateOverlayValue(v), errorir.ErrValue), "%v", v)
	}
}

func TestOverlayComplete(t *testing.T) {
	a := manifest.ComputeIdentifier("a.txt")
	b := manifest.ComputeIdentifier("b.txt")

	o := manifest.Overlay{a: ".txt", b: ".txt"}
	require.NoError(t, o.Complete([]manifest.Identifier{a, b}))

	partial := manifest.Overlay{a: ".txt"}
	assert.True(t, errors.Is(partial.Complete([]manifest.Identifier{a, b}), errorir.ErrValue))

	wrong := manifest.Overlay{a: 1, manifest.ComputeIdentifier("c.txt"): 2}
	assert.True(t, errors.Is(wrong.Complete([]manifest.Identifier{a, b}), errorir.ErrValue))
}

func TestBuildOverlays(t *testing.T) {
	a := manifest.ComputeIdentifier("a.png")
	b := manifest.ComputeIdentifier("b.txt")

	overlays, err := manifest.BuildOverlays(map[manifest.Identifier]map[string]any{
		a: {"ext": ".png", "is_image": true},
		b: {"ext": ".txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ext", "is_image"}, manifest.OverlayNames(overlays))
	assert.Equal(t, manifest.Overlay{a: ".png", b: ".txt"}, overlays["ext"])
	assert.Equal(t, manifest.Overlay{a: true}, overlays["is_image"])

	_, err = manifest.BuildOverlays(map[manifest.Identifier]map[string]any{a: {"bad name": 1}})
	assert.True(t, errors.Is(err, errorir.ErrInvalidName))

	_, err = manifest.BuildOverlays(map[manifest.Identifier]map[string]any{a: {"ext": []int{1}}})
	assert.True(t, errors.Is(err, errorir.ErrValue))
}
