package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

// Complexity budget constants.
const (
	maxSchemaDepth    = 10
	maxSchemaProperty = 128
)

// CompiledSchema bundles the compiled validator with the raw document, used
// by the pipeline's validate stage.
type CompiledSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema enforces the restricted JSON-Schema subset and complexity
// budget, then compiles it with santhosh-tekuri/jsonschema for argument
// validation at dispatch time.
func CompileSchema(raw json.RawMessage) (*CompiledSchema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("arguments_schema is required")
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("arguments_schema: invalid JSON: %w", err)
	}

	if typ, _ := doc["type"].(string); typ != "object" {
		return nil, fmt.Errorf("arguments_schema: type must be \"object\"")
	}
	if ap, ok := doc["additionalProperties"].(bool); !ok || ap != false {
		return nil, fmt.Errorf("arguments_schema: additionalProperties must be false")
	}

	if err := checkBudget(doc, 1); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	const resourceURL = "mem://arguments_schema.json"
	unmarshalled, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("arguments_schema: %w", err)
	}
	if err := compiler.AddResource(resourceURL, unmarshalled); err != nil {
		return nil, fmt.Errorf("arguments_schema: %w", err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("arguments_schema: compile: %w", err)
	}

	return &CompiledSchema{raw: raw, compiled: compiled}, nil
}

// checkBudget walks a decoded schema document enforcing: bounded depth,
// bounded total property count, no $ref, and no regex patterns with nested
// unbounded quantifiers (a cheap heuristic for catastrophic backtracking,
// not a full ReDoS proof).
func checkBudget(node any, depth int) error {
	if depth > maxSchemaDepth {
		return fmt.Errorf("arguments_schema: nesting exceeds depth budget of %d", maxSchemaDepth)
	}

	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	if _, hasRef := m["$ref"]; hasRef {
		return fmt.Errorf("arguments_schema: $ref is not permitted")
	}

	if pattern, ok := m["pattern"].(string); ok {
		if hasNestedUnboundedQuantifier(pattern) {
			return fmt.Errorf("arguments_schema: pattern %q risks catastrophic backtracking", pattern)
		}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		total := countProperties(m)
		if total > maxSchemaProperty {
			return fmt.Errorf("arguments_schema: property count %d exceeds budget of %d", total, maxSchemaProperty)
		}
		for _, v := range props {
			if err := checkBudget(v, depth+1); err != nil {
				return err
			}
		}
	}

	if items, ok := m["items"]; ok {
		if err := checkBudget(items, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// countProperties sums property counts across this node and its nested
// object/array descendants, so the budget bounds the whole document
// rather than any single nesting level.
func countProperties(m map[string]any) int {
	total := 0
	props, _ := m["properties"].(map[string]any)
	total += len(props)
	for _, v := range props {
		if child, ok := v.(map[string]any); ok {
			total += countProperties(child)
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		total += countProperties(items)
	}
	return total
}

// hasNestedUnboundedQuantifier is a conservative textual heuristic: it
// rejects patterns containing two unbounded quantifiers (+ or *) in a row
// separated only by grouping, the classic (a+)+ / (a*)* shape.
func hasNestedUnboundedQuantifier(pattern string) bool {
	return strings.Contains(pattern, "+)+") ||
		strings.Contains(pattern, "*)+") ||
		strings.Contains(pattern, "+)*") ||
		strings.Contains(pattern, "*)*")
}

// Validate checks arguments against the compiled schema, returning the
// first failing field path on error.
func (s *CompiledSchema) Validate(arguments json.RawMessage) (field string, err error) {
	var v any
	if err := json.Unmarshal(arguments, &v); err != nil {
		return "", fmt.Errorf("arguments: invalid JSON: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return fieldPathOf(ve), ve
		}
		return "", err
	}
	return "", nil
}

// fieldPathOf extracts a dotted field path from the deepest validation
// error in the chain, for the VALIDATION_FAILED error payload's field. A
// missing required property names the property itself, not its parent
// object, so the caller sees field:"name" rather than field:"".
func fieldPathOf(ve *jsonschema.ValidationError) string {
	cur := ve
	for len(cur.Causes) > 0 {
		cur = cur.Causes[0]
	}
	path := append([]string(nil), cur.InstanceLocation...)
	if req, ok := cur.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		path = append(path, req.Missing[0])
	}
	return strings.Join(path, ".")
}
