// Package jsonshape validates raw JSON documents against compiled JSON schemas.
package jsonshape

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Shape is a compiled, side-effect free validator for one JSON document shape.
type Shape struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles a JSON schema source under the given name.
func Compile(name, source string) (*Shape, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parsing %s schema: %w", name, err)
	}

	resource := "./" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding %s schema: %w", name, err)
	}

	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling %s schema: %w", name, err)
	}

	return &Shape{name: name, schema: schema}, nil
}

// MustCompile is Compile for package-level schemas; it panics on error.
func MustCompile(name, source string) *Shape {
	s, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the shape's name.
func (s *Shape) Name() string {
	return s.name
}

// Validate checks that raw is valid JSON matching the shape.
func (s *Shape) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid JSON: %w", s.name, err)
	}
	return s.ValidateValue(inst)
}

// ValidateValue checks an already decoded value (as produced by jsonschema.UnmarshalJSON).
func (s *Shape) ValidateValue(v any) error {
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}
