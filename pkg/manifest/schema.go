package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

const manifestSchemaURL = "https://helm.schemas.local/datasets/manifest.schema.json"

const manifestSchema = `{
  "type": "object",
  "required": ["schema_version", "hash_function", "items"],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "hash_function": {"type": "string", "minLength": 1},
    "items": {
      "type": "object",
      "propertyNames": {"pattern": "^[0-9a-f]{40}$"},
      "additionalProperties": {
        "type": "object",
        "required": ["relpath", "size_in_bytes", "hash", "utc_timestamp"],
        "properties": {
          "relpath": {"type": "string", "minLength": 1},
          "size_in_bytes": {"type": "integer", "minimum": 0},
          "hash": {"type": "string", "minLength": 1},
          "utc_timestamp": {"type": "number"}
        }
      }
    }
  }
}`

var compiledManifestSchema = mustCompile(manifestSchemaURL, manifestSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("manifest: schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("manifest: schema compile failed: %v", err))
	}
	return compiled
}

func validateDocument(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errorir.Errorf(errorir.ErrValue, "manifest is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return errorir.Errorf(errorir.ErrValue, "manifest does not match schema: %v", err)
	}
	return nil
}
