package api

import "gopkg.in/yaml.v3"

// MarshalDefinitionYAML renders a sealed definition as YAML, going through
// the map form so the document matches what external stores persist.
func MarshalDefinitionYAML(def WorkflowDefinition) ([]byte, error) {
	return yaml.Marshal(DefinitionToMap(def))
}

// UnmarshalDefinitionYAML parses a YAML document produced by
// MarshalDefinitionYAML (or written by hand) back into a definition.
//
// The result is not re-validated; run it through the builder when accepting
// untrusted documents.
func UnmarshalDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return WorkflowDefinition{}, err
	}
	return DefinitionFromMap(m)
}
