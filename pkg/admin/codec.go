package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-datasets/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-datasets/pkg/clock"
	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/versioning"
)

const adminSchemaURL = "https://helm.schemas.local/datasets/admin.schema.json"

const adminSchema = `{
  "type": "object",
  "required": ["uuid", "schema_version", "name", "type", "creator_username", "created_at"],
  "properties": {
    "uuid": {"type": "string", "minLength": 1},
    "schema_version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "type": {"enum": ["protodataset", "dataset"]},
    "creator_username": {"type": "string"},
    "created_at": {"type": "number"},
    "frozen_at": {"type": "number"},
    "based_on": {
      "type": "object",
      "required": ["uuid", "name", "uri"],
      "properties": {
        "uuid": {"type": "string"},
        "name": {"type": "string"},
        "uri": {"type": "string"}
      }
    }
  }
}`

var compiledAdminSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(adminSchemaURL, strings.NewReader(adminSchema)); err != nil {
		panic(fmt.Sprintf("admin: schema load failed: %v", err))
	}
	return c.MustCompile(adminSchemaURL)
}()

var knownFields = map[string]bool{
	"uuid": true, "schema_version": true, "name": true, "type": true,
	"creator_username": true, "created_at": true, "frozen_at": true, "based_on": true,
}

type wireMetadata struct {
	UUID            string           `json:"uuid"`
	SchemaVersion   string           `json:"schema_version"`
	Name            string           `json:"name"`
	Type            Type             `json:"type"`
	CreatorUsername string           `json:"creator_username"`
	CreatedAt       clock.Timestamp  `json:"created_at"`
	FrozenAt        *clock.Timestamp `json:"frozen_at,omitempty"`
	BasedOn         *BasedOn         `json:"based_on,omitempty"`
}

// MarshalJSON merges the known fields over Extra.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(wireMetadata{
		UUID:            m.UUID,
		SchemaVersion:   m.SchemaVersion,
		Name:            m.Name,
		Type:            m.Type,
		CreatorUsername: m.CreatorUsername,
		CreatedAt:       m.CreatedAt,
		FrozenAt:        m.FrozenAt,
		BasedOn:         m.BasedOn,
	})
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(m.Extra)+len(knownFields))
	for k, v := range m.Extra {
		if !knownFields[k] {
			merged[k] = v
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON keeps unknown fields in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var w wireMetadata
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*m = Metadata{
		UUID:            w.UUID,
		SchemaVersion:   w.SchemaVersion,
		Name:            w.Name,
		Type:            w.Type,
		CreatorUsername: w.CreatorUsername,
		CreatedAt:       w.CreatedAt,
		FrozenAt:        w.FrozenAt,
		BasedOn:         w.BasedOn,
	}
	for k, v := range all {
		if knownFields[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// Encode returns the canonical JSON form persisted by brokers.
func Encode(m Metadata) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return canonicalize.JCS(m)
}

// Decode parses a persisted admin record. Unknown fields are preserved; an
// unsupported schema major version is ErrType.
func Decode(data []byte) (Metadata, error) {
	var header struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return Metadata{}, errorir.Errorf(errorir.ErrValue, "admin metadata is not valid JSON: %v", err)
	}
	if err := versioning.Check(versioning.RecordAdmin, header.SchemaVersion); err != nil {
		return Metadata{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Metadata{}, errorir.Errorf(errorir.ErrValue, "admin metadata: %v", err)
	}
	if err := compiledAdminSchema.Validate(doc); err != nil {
		return Metadata{}, errorir.Errorf(errorir.ErrValue, "admin metadata does not match schema: %v", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, errorir.Errorf(errorir.ErrValue, "admin metadata decode: %v", err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}
