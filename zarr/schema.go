package zarr

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const metaSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "zarr v2 array metadata",
	"type": "object",
	"required": ["zarr_format", "shape", "chunks", "dtype", "compressor", "fill_value", "order", "filters"],
	"properties": {
		"zarr_format": {"const": 2},
		"shape": {"type": "array", "items": {"type": "integer", "minimum": 0}, "minItems": 1},
		"chunks": {"type": "array", "items": {"type": "integer", "minimum": 1}, "minItems": 1},
		"dtype": {"type": "string", "pattern": "^[<>|][iuf][0-9]+$"},
		"compressor": {
			"oneOf": [
				{"type": "null"},
				{"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}
			]
		},
		"fill_value": {"type": ["number", "null"]},
		"order": {"enum": ["C", "F"]},
		"filters": {"type": ["array", "null"]},
		"dimension_separator": {"enum": [".", "/"]}
	}
}`

var metaSchema = jsonschema.MustCompileString("zarray.json", metaSchemaJSON)

// decodeMeta validates a ".zarray" document against the metadata schema and decodes it.
func decodeMeta(data []byte) (Meta, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Meta{}, fmt.Errorf("bad array metadata: %w", err)
	}
	if err := metaSchema.Validate(doc); err != nil {
		return Meta{}, fmt.Errorf("invalid array metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("bad array metadata: %w", err)
	}
	return m, m.Validate()
}
