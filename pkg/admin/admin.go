// Package admin models the identity record of a dataset: who made it, when,
// under which UUID, and whether it has been frozen.
package admin

import (
	"encoding/json"
	"os"
	"os/user"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
	"github.com/Mindburn-Labs/helm-datasets/pkg/versioning"
)

// Type is the lifecycle state recorded in the admin record.
type Type string

const (
	TypeProtoDataset Type = "protodataset"
	TypeDataset      Type = "dataset"
)

// BasedOn references the dataset a copy was made from.
type BasedOn struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Metadata is the admin record. Fields this build does not know about are
// kept in Extra and written back unchanged.
type Metadata struct {
	UUID            string
	SchemaVersion   string
	Name            string
	Type            Type
	CreatorUsername string
	CreatedAt       clock.Timestamp
	FrozenAt        *clock.Timestamp
	BasedOn         *BasedOn
	Extra           map[string]json.RawMessage
}

// Option configures Generate.
type Option func(*generateOptions)

type generateOptions struct {
	clock clock.Clock
}

// WithClock pins created_at.
func WithClock(c clock.Clock) Option {
	return func(o *generateOptions) { o.clock = c }
}

// Generate creates the record of a new proto-dataset. An empty
// creatorUsername falls back to the current OS user.
func Generate(name, creatorUsername string, opts ...Option) (Metadata, error) {
	if err := naming.Validate("dataset name", name); err != nil {
		return Metadata{}, err
	}
	o := generateOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	if creatorUsername == "" {
		creatorUsername = CurrentUsername()
	}
	return Metadata{
		UUID:            id,
		SchemaVersion:   versioning.Current(versioning.RecordAdmin),
		Name:            name,
		Type:            TypeProtoDataset,
		CreatorUsername: creatorUsername,
		CreatedAt:       clock.Now(o.clock),
	}, nil
}

// CurrentUsername returns the login name of the process owner.
func CurrentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}

// IsFrozen reports whether m describes a frozen dataset.
func (m Metadata) IsFrozen() bool { return m.Type == TypeDataset }

// Validate checks that frozen_at is present exactly when the type is dataset.
func (m Metadata) Validate() error {
	switch m.Type {
	case TypeProtoDataset:
		if m.FrozenAt != nil {
			return errorir.Errorf(errorir.ErrValue, "protodataset %s carries frozen_at", m.UUID)
		}
	case TypeDataset:
		if m.FrozenAt == nil {
			return errorir.Errorf(errorir.ErrValue, "dataset %s has no frozen_at", m.UUID)
		}
	default:
		return errorir.Errorf(errorir.ErrValue, "unknown dataset type %q", m.Type)
	}
	return naming.Validate("dataset name", m.Name)
}

// Freeze returns a frozen copy of m stamped with now.
func Freeze(m Metadata, now clock.Timestamp) (Metadata, error) {
	if m.Type != TypeProtoDataset {
		return Metadata{}, errorir.Errorf(errorir.ErrType, "dataset %s is already frozen", m.UUID)
	}
	out := m.clone()
	out.Type = TypeDataset
	out.FrozenAt = &now
	return out, nil
}

// WithName renames a proto-dataset.
func (m Metadata) WithName(name string) (Metadata, error) {
	if m.Type != TypeProtoDataset {
		return Metadata{}, errorir.Errorf(errorir.ErrType, "cannot rename frozen dataset %s", m.UUID)
	}
	if err := naming.Validate("dataset name", name); err != nil {
		return Metadata{}, err
	}
	out := m.clone()
	out.Name = name
	return out, nil
}

// DeriveForCopy returns the proto-dataset record a copy of src starts from.
// Identity fields are kept as they are; based_on points back at the source.
func DeriveForCopy(src Metadata, srcURI string) (Metadata, error) {
	if src.Type != TypeDataset {
		return Metadata{}, errorir.Errorf(errorir.ErrType, "cannot copy %s: source is not frozen", srcURI)
	}
	out := src.clone()
	out.Type = TypeProtoDataset
	out.FrozenAt = nil
	out.BasedOn = &BasedOn{UUID: src.UUID, Name: src.Name, URI: srcURI}
	return out, nil
}

// EqualIdentity compares every persisted field except frozen_at and
// based_on, which legitimately differ between a dataset and its copy.
func EqualIdentity(a, b Metadata) bool {
	if a.UUID != b.UUID || a.SchemaVersion != b.SchemaVersion || a.Name != b.Name ||
		a.Type != b.Type || a.CreatorUsername != b.CreatorUsername || a.CreatedAt != b.CreatedAt {
		return false
	}
	if len(a.Extra) != len(b.Extra) {
		return false
	}
	for k, av := range a.Extra {
		bv, ok := b.Extra[k]
		if !ok || string(av) != string(bv) {
			return false
		}
	}
	return true
}

func (m Metadata) clone() Metadata {
	out := m
	if m.FrozenAt != nil {
		ts := *m.FrozenAt
		out.FrozenAt = &ts
	}
	if m.BasedOn != nil {
		b := *m.BasedOn
		out.BasedOn = &b
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
