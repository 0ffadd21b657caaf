// Package manifest holds the identifier scheme and the frozen item index of a
// dataset.
//
// An identifier is derived from an item's relpath, never its content, so the
// same relpath maps to the same identifier on every backend and platform.
package manifest

import (
	"crypto/sha1" //nolint:gosec // identifiers are path keys, not a security boundary
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/Mindburn-Labs/helm-datasets/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
	"github.com/Mindburn-Labs/helm-datasets/pkg/versioning"
)

// Identifier is the 40 character lowercase hex key of an item.
type Identifier string

// ComputeIdentifier hashes the normalized form of relpath.
func ComputeIdentifier(relpath string) Identifier {
	sum := sha1.Sum([]byte(naming.NormalizeRelpath(relpath))) //nolint:gosec
	return Identifier(hex.EncodeToString(sum[:]))
}

// ItemProperties is written once when an item is staged and never changes
// after freeze.
type ItemProperties struct {
	Relpath      string          `json:"relpath"`
	SizeInBytes  int64           `json:"size_in_bytes"`
	Hash         string          `json:"hash"`
	UTCTimestamp clock.Timestamp `json:"utc_timestamp"`
}

// Manifest maps identifiers to item properties.
type Manifest struct {
	SchemaVersion string                        `json:"schema_version"`
	HashFunction  string                        `json:"hash_function"`
	Items         map[Identifier]ItemProperties `json:"items"`
}

// Entry is one staged item handed to Build.
type Entry struct {
	Identifier Identifier
	Properties ItemProperties
}

// Build assembles a manifest from staged entries. An empty Identifier is
// computed from the relpath. Two entries on one identifier fail with
// ErrDuplicateItem; nothing is ever overwritten.
func Build(hashFunction string, entries []Entry) (*Manifest, error) {
	m := &Manifest{
		SchemaVersion: versioning.Current(versioning.RecordManifest),
		HashFunction:  hashFunction,
		Items:         make(map[Identifier]ItemProperties, len(entries)),
	}
	for _, e := range entries {
		relpath, err := naming.ValidateRelpath(e.Properties.Relpath)
		if err != nil {
			return nil, err
		}
		id := e.Identifier
		want := ComputeIdentifier(relpath)
		if id == "" {
			id = want
		} else if id != want {
			return nil, errorir.Errorf(errorir.ErrValue,
				"identifier %s does not belong to relpath %q", id, relpath)
		}
		if prev, dup := m.Items[id]; dup {
			return nil, errorir.Errorf(errorir.ErrDuplicateItem,
				"%q and %q both map to %s", prev.Relpath, e.Properties.Relpath, id)
		}
		props := e.Properties
		props.Relpath = relpath
		m.Items[id] = props
	}
	return m, nil
}

// Identifiers returns the item identifiers in ascending order.
func (m *Manifest) Identifiers() []Identifier {
	ids := make([]Identifier, 0, len(m.Items))
	for id := range m.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Item returns the properties of id, or ErrKey.
func (m *Manifest) Item(id Identifier) (ItemProperties, error) {
	props, ok := m.Items[id]
	if !ok {
		return ItemProperties{}, errorir.Errorf(errorir.ErrKey, "no item %s in manifest", id)
	}
	return props, nil
}

// Digest is the SHA-256 of the canonical encoding.
func (m *Manifest) Digest() (string, error) {
	return canonicalize.CanonicalHash(m)
}

// Encode returns the canonical JSON form persisted by brokers.
func Encode(m *Manifest) ([]byte, error) {
	return canonicalize.JCS(m)
}

// Decode parses a persisted manifest. An unsupported schema major version is
// ErrType; anything malformed is ErrValue.
func Decode(data []byte) (*Manifest, error) {
	var header struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, errorir.Errorf(errorir.ErrValue, "manifest is not valid JSON: %v", err)
	}
	if err := versioning.Check(versioning.RecordManifest, header.SchemaVersion); err != nil {
		return nil, err
	}
	if err := validateDocument(compiledManifestSchema, data); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errorir.Errorf(errorir.ErrValue, "manifest decode: %v", err)
	}
	if m.Items == nil {
		m.Items = map[Identifier]ItemProperties{}
	}
	return &m, nil
}
