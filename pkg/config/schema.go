package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// JSONSchema renders the JSON schema of the root configuration, for editor
// completion and config linting.
func JSONSchema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: false,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "Flotilla Configuration"
	return json.MarshalIndent(schema, "", "  ")
}
