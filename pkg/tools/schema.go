package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema creates a JSON schema map for the given type using
// reflection. Field requirements come from jsonschema struct tags.
func generateSchema[T any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	var v T
	schema := reflector.Reflect(v)
	return schemaToMap(schema)
}

// schemaToMap converts a jsonschema.Schema into a plain map, dropping the
// meta keys that only matter for standalone schema documents.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}

	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}

// structToMap converts a typed output value into a generic map via a JSON
// round-trip, so every tool returns the same shape to the registry.
func structToMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool output: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool output: %w", err)
	}
	return out, nil
}
