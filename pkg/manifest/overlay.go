package manifest

import (
	"encoding/json"
	"sort"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
)

// Overlay is a named per-item annotation keyed by identifier.
type Overlay map[Identifier]any

// ValidateOverlayValue accepts strings, booleans, numbers and null.
func ValidateOverlayValue(v any) error {
	switch v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	default:
		return errorir.Errorf(errorir.ErrValue, "overlay value of type %T is not a scalar", v)
	}
}

// Validate checks every value.
func (o Overlay) Validate() error {
	for id, v := range o {
		if err := ValidateOverlayValue(v); err != nil {
			return errorir.Errorf(errorir.ErrValue, "item %s: %v", id, err)
		}
	}
	return nil
}

// Complete fails with ErrValue unless o has exactly one entry per id.
func (o Overlay) Complete(ids []Identifier) error {
	if len(o) != len(ids) {
		return errorir.Errorf(errorir.ErrValue, "overlay has %d entries, dataset has %d items", len(o), len(ids))
	}
	for _, id := range ids {
		if _, ok := o[id]; !ok {
			return errorir.Errorf(errorir.ErrValue, "overlay is missing item %s", id)
		}
	}
	return nil
}

// BuildOverlays turns per-item metadata into one overlay per metadata key.
// Items without a value for a key are absent from that overlay.
func BuildOverlays(itemMetadata map[Identifier]map[string]any) (map[string]Overlay, error) {
	overlays := make(map[string]Overlay)
	for id, md := range itemMetadata {
		for key, v := range md {
			if err := naming.Validate("overlay", key); err != nil {
				return nil, err
			}
			if err := ValidateOverlayValue(v); err != nil {
				return nil, errorir.Errorf(errorir.ErrValue, "overlay %q item %s: %v", key, id, err)
			}
			o, ok := overlays[key]
			if !ok {
				o = make(Overlay)
				overlays[key] = o
			}
			o[id] = v
		}
	}
	return overlays, nil
}

// OverlayNames returns the keys of overlays, sorted.
func OverlayNames(overlays map[string]Overlay) []string {
	names := make([]string, 0, len(overlays))
	for n := range overlays {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
