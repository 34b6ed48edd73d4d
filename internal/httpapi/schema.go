package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const executeSchemaJSON = `{
	"type": "object",
	"required": ["client_id", "request_id", "prompt"],
	"properties": {
		"client_id": {"type": "string", "minLength": 1},
		"request_id": {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1},
		"resume_session_id": {"type": "string"},
		"allowed_tools": {"type": "array", "items": {"type": "string"}},
		"disallowed_tools": {"type": "array", "items": {"type": "string"}},
		"use_mcp": {"type": "boolean"}
	}
}`

const interveneSchemaJSON = `{
	"type": "object",
	"required": ["text", "user"],
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"user": {"type": "string", "minLength": 1},
		"attachment_paths": {"type": "array", "items": {"type": "string"}}
	}
}`

// requestSchemas holds the compiled validators for request bodies that
// extend the teacher's http.MaxBytesReader + manual-field-check pattern
// with a declarative schema instead of ad hoc `if req.Field == ""` checks.
type requestSchemas struct {
	execute   *jsonschema.Schema
	intervene *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	execute, err := compileSchema("execute.json", executeSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile execute schema: %w", err)
	}
	intervene, err := compileSchema("intervene.json", interveneSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile intervene schema: %w", err)
	}
	return &requestSchemas{execute: execute, intervene: intervene}, nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// validateBody checks raw JSON bytes against schema, returning the first
// validation error's message on failure.
func validateBody(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	return nil
}
