// Handles per-collection schema declaration, validation and JSON Schema rendering.

package docstore

import (
	"maps"
	"slices"

	"github.com/invopop/jsonschema"
)

// FieldType is the declared JSON type of a field.
type FieldType string

// Field types, named after JSON Schema types.
const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
	TypeNull    FieldType = "null"
)

// Schema declares constraints on the records of one collection.
type Schema struct {
	// Required fields must be present and non-null on insert.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	// Types declares field types. Advisory unless Strict is set.
	Types map[string]FieldType `json:"types,omitempty" yaml:"types,omitempty"`
	// Defaults are merged under the inserted record.
	Defaults Record `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// Strict enforces Types on insert and update.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// withDefaults returns a new record holding the defaults overridden by partial.
func (s *Schema) withDefaults(partial Record) Record {
	out := make(Record, len(partial))
	if s != nil {
		for k, v := range s.Defaults {
			out[k] = cloneValue(v)
		}
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// Validate checks r against the schema. A nil schema accepts everything.
func (s *Schema) Validate(collection string, r Record) error {
	if s == nil {
		return nil
	}
	for _, name := range s.Required {
		if r[name] == nil {
			return &ValidationError{Collection: collection, Field: name, Reason: ReasonRequired}
		}
	}
	if !s.Strict {
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(s.Types)) {
		v, ok := r[name]
		if !ok || v == nil {
			continue
		}
		want := s.Types[name]
		if got := typeOf(v); got != want {
			return &ValidationError{Collection: collection, Field: name, Reason: ReasonType, Want: want, Got: got}
		}
	}
	return nil
}

// JSONSchema renders the collection blob layout as a JSON Schema document.
func (s *Schema) JSONSchema(collection string) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set(FieldID, &jsonschema.Schema{Type: "string", Description: "Collection-local numeric identifier"})
	props.Set(FieldUID, &jsonschema.Schema{Type: "string", Format: "uuid", Description: "Globally unique identifier"})
	item := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   []string{FieldID, FieldUID},
	}
	if s != nil {
		names := map[string]struct{}{}
		for _, n := range s.Required {
			names[n] = struct{}{}
		}
		for n := range s.Types {
			names[n] = struct{}{}
		}
		for n := range s.Defaults {
			names[n] = struct{}{}
		}
		for _, n := range slices.Sorted(maps.Keys(names)) {
			if n == FieldID || n == FieldUID {
				continue
			}
			p := &jsonschema.Schema{Type: string(s.Types[n])}
			if d, ok := s.Defaults[n]; ok {
				p.Default = normalizeValue(d)
			}
			props.Set(n, p)
		}
		item.Required = append(item.Required, s.Required...)
	}
	return &jsonschema.Schema{
		Version: jsonschema.Version,
		Title:   collection,
		Type:    "array",
		Items:   item,
	}
}

// typeOf returns the JSON type of a normalized value.
func typeOf(v any) FieldType {
	switch v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case float64:
		return TypeNumber
	case string:
		return TypeString
	case []any:
		return TypeArray
	default:
		return TypeObject
	}
}
