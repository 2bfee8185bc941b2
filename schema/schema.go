// Copyright 2017 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema describes the shape of the objects a provider and store
// move around. Only the schema name and the presence of a
// metadata.deleted field matter to the protocol layer: the former names
// the wire subjects, the latter switches on tombstone-aware soft delete.
package schema

import (
	"strings"

	"github.com/juju/errors"
	jujuschema "github.com/juju/schema"
)

// Field is one named field of a schema. Type is an opaque type name;
// Fields holds nested fields for object-valued types.
type Field struct {
	Type   string
	Fields Fields
}

// Fields maps field names to their descriptions.
type Fields map[string]Field

// TypeRefs supplies placeholder type references to a fields function, so
// a schema can refer to other schemas without importing them. The
// references are placeholders: only the resulting field names matter
// here.
type TypeRefs struct{}

// Object returns a placeholder reference to the named object type.
func (TypeRefs) Object(name string) Field {
	return Field{Type: name}
}

// Definition is the raw schema as supplied by the caller. Exactly one of
// Fields and FieldsFunc should be set; FieldsFunc is evaluated once, at
// construction time, with placeholder type references.
type Definition struct {
	Name       string
	Fields     Fields
	FieldsFunc func(TypeRefs) Fields
}

// Schema is an evaluated, immutable schema.
type Schema struct {
	name       string
	fields     Fields
	hasDeleted bool
}

// New evaluates def and returns the resulting schema.
func New(def Definition) (*Schema, error) {
	if def.Name == "" {
		return nil, errors.NotValidf("schema with empty name")
	}
	fields := def.Fields
	if fields == nil && def.FieldsFunc != nil {
		fields = def.FieldsFunc(TypeRefs{})
	}
	metadata, ok := fields["metadata"]
	_, hasDeleted := metadata.Fields["deleted"]
	return &Schema{
		name:       def.Name,
		fields:     fields,
		hasDeleted: ok && hasDeleted,
	}, nil
}

// Name returns the schema name as given; subjects lowercase it
// themselves.
func (s *Schema) Name() string {
	return s.name
}

// LowerName returns the lowercased schema name used in wire subjects.
func (s *Schema) LowerName() string {
	return strings.ToLower(s.name)
}

// Fields returns the evaluated field map.
func (s *Schema) Fields() Fields {
	return s.fields
}

// HasDeletedMetadata reports whether the schema carries a
// metadata.deleted field, which enables the soft-delete policy.
func (s *Schema) HasDeletedMetadata() bool {
	return s.hasDeleted
}

var definitionChecker = jujuschema.FieldMap(jujuschema.Fields{
	"name":   jujuschema.String(),
	"fields": jujuschema.StringMap(jujuschema.Any()),
}, jujuschema.Defaults{
	"fields": jujuschema.Omit,
})

// ParseMap coerces a loosely typed definition, as decoded from JSON or
// YAML, into a Definition. Nested maps become nested Fields; leaf values
// are recorded as type names where they are strings.
func ParseMap(raw map[string]interface{}) (Definition, error) {
	coerced, err := definitionChecker.Coerce(raw, nil)
	if err != nil {
		return Definition{}, errors.Annotate(err, "invalid schema definition")
	}
	m := coerced.(map[string]interface{})
	def := Definition{Name: m["name"].(string)}
	if rawFields, ok := m["fields"].(map[string]interface{}); ok {
		def.Fields = parseFields(rawFields)
	}
	return def, nil
}

func parseFields(raw map[string]interface{}) Fields {
	fields := make(Fields, len(raw))
	for name, value := range raw {
		var field Field
		switch value := value.(type) {
		case string:
			field.Type = value
		case map[string]interface{}:
			if nested, ok := value["fields"].(map[string]interface{}); ok {
				if typeName, ok := value["type"].(string); ok {
					field.Type = typeName
				}
				field.Fields = parseFields(nested)
			} else {
				field.Fields = parseFields(value)
			}
		}
		fields[name] = field
	}
	return fields
}
