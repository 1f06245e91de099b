package catalog

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompileSchemaRequiresObjectType(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(`{"type":"string","additionalProperties":false}`))
	if err == nil {
		t.Error("expected error for non-object type")
	}
}

func TestCompileSchemaRequiresAdditionalPropertiesFalse(t *testing.T) {
	_, err := CompileSchema(json.RawMessage(`{"type":"object","properties":{}}`))
	if err == nil {
		t.Error("expected error when additionalProperties is not false")
	}
}

func TestCompileSchemaRejectsRef(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {"a": {"$ref": "#/definitions/x"}}
	}`)
	_, err := CompileSchema(schema)
	if err == nil || !strings.Contains(err.Error(), "$ref") {
		t.Errorf("expected $ref rejection, got %v", err)
	}
}

func TestCompileSchemaRejectsDeepNesting(t *testing.T) {
	// Build a schema nested 12 levels deep (over the budget of 10).
	inner := `{"type":"object","additionalProperties":false,"properties":{}}`
	for i := 0; i < 12; i++ {
		inner = `{"type":"object","additionalProperties":false,"properties":{"n":` + inner + `}}`
	}
	_, err := CompileSchema(json.RawMessage(inner))
	if err == nil {
		t.Error("expected depth budget violation")
	}
}

func TestCompileSchemaRejectsBacktrackingPattern(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {"a": {"type": "string", "pattern": "^(a+)+$"}}
	}`)
	_, err := CompileSchema(schema)
	if err == nil {
		t.Error("expected catastrophic-backtracking pattern to be rejected")
	}
}

func TestCompileSchemaAcceptsValidSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)
	s, err := CompileSchema(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Validate(json.RawMessage(`{}`)); err == nil {
		t.Error("expected validation failure for missing required field")
	}
	if _, err := s.Validate(json.RawMessage(`{"name":"hi"}`)); err != nil {
		t.Errorf("expected valid arguments to pass, got %v", err)
	}
}

func TestValidateReportsFieldPath(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)
	s, err := CompileSchema(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	field, err := s.Validate(json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if field != "name" {
		t.Errorf("expected field path %q, got %q", "name", field)
	}
}

func TestValidateRejectsAdditionalProperties(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"properties": {"name": {"type": "string"}}
	}`)
	s, err := CompileSchema(schema)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if _, err := s.Validate(json.RawMessage(`{"name":"hi","extra":1}`)); err == nil {
		t.Error("expected extra property to fail validation")
	}
}
