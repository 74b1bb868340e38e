package service

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mohans/genq/task"
)

const objectSchema = `{"type": "object", "minProperties": 1}`

const compositeSchema = `{
  "type": "object",
  "required": ["ttsParams", "videoParams"],
  "properties": {
    "ttsParams": {"type": "object", "minProperties": 1},
    "videoParams": {"type": "object"}
  }
}`

var schemaSources = map[task.Kind]string{
	task.KindSimple:        objectSchema,
	task.KindTTSPreprocess: objectSchema,
	task.KindTTSInvoke:     objectSchema,
	task.KindTTSToVideo:    compositeSchema,
}

// Validator checks submit payloads against a JSON schema per kind.
type Validator struct {
	schemas map[task.Kind]*gojsonschema.Schema
}

// NewValidator compiles the built-in schemas. overrides replaces the schema
// of individual kinds.
func NewValidator(overrides map[task.Kind]string) (*Validator, error) {
	v := &Validator{schemas: map[task.Kind]*gojsonschema.Schema{}}
	for kind, src := range schemaSources {
		if o, ok := overrides[kind]; ok {
			src = o
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("failed to load schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate returns a *ValidationError when params do not satisfy the
// schema of kind.
func (v *Validator) Validate(kind task.Kind, params []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown task kind %q", kind)}}
	}
	if len(params) == 0 {
		return &ValidationError{Problems: []string{"request body is required"}}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Problems: problems}
}

// ValidationError rejects a submit request before a task is created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}
