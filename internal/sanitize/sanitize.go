// Package sanitize implements the recursive credential-pattern redaction
// applied to every response.* payload before publish, and the
// defense-in-depth sanitiser consulted from the request pipeline.
package sanitize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// PatternSpec names a single redaction rule. The regex inventory is kept
// configurable rather than hard-coded and is security-critical: New
// rejects patterns shaped like catastrophic backtracking before they are
// ever run against payload data.
type PatternSpec struct {
	Name        string
	Pattern     string
	Replacement string
}

// DefaultPatterns is the conservative built-in set: bearer tokens, common
// vendor API-key prefixes, and long hex blobs. Deployments extend or
// replace the set through New.
var DefaultPatterns = []PatternSpec{
	{Name: "bearer_token", Pattern: `(?i)bearer\s+[a-z0-9._-]{10,}`, Replacement: "[REDACTED]"},
	{Name: "api_key_assignment", Pattern: `(?i)(api[_-]?key|secret|token)\s*[:=]\s*["']?[a-z0-9._-]{10,}["']?`, Replacement: "[REDACTED]"},
	{Name: "vendor_prefixed_key", Pattern: `\b(sk|pk|ghp|gho|ghu|ghs)-[a-zA-Z0-9]{16,}\b`, Replacement: "[REDACTED]"},
	{Name: "hex_blob", Pattern: `\b[a-f0-9]{20,}\b`, Replacement: "[REDACTED]"},
}

type compiledPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// Sanitizer recursively walks a decoded JSON payload, replacing any string
// value matched by a configured pattern. It never raises: a payload that
// cannot be parsed as JSON is returned unchanged.
type Sanitizer struct {
	patterns []compiledPattern
}

// New compiles specs into a Sanitizer. A pattern containing a nested
// unbounded quantifier (the classic (a+)+ ReDoS shape) is rejected at
// construction, not at scan time.
func New(specs []PatternSpec) (*Sanitizer, error) {
	compiled := make([]compiledPattern, 0, len(specs))
	for _, spec := range specs {
		if risksBacktracking(spec.Pattern) {
			return nil, fmt.Errorf("sanitize: pattern %q (%s) risks catastrophic backtracking", spec.Name, spec.Pattern)
		}
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: pattern %q: %w", spec.Name, err)
		}
		compiled = append(compiled, compiledPattern{name: spec.Name, re: re, replacement: spec.Replacement})
	}
	return &Sanitizer{patterns: compiled}, nil
}

// NewDefault builds a Sanitizer from DefaultPatterns.
func NewDefault() *Sanitizer {
	s, err := New(DefaultPatterns)
	if err != nil {
		// DefaultPatterns are fixed and checked in tests; this would be a
		// programmer error, not a runtime condition.
		panic(err)
	}
	return s
}

func risksBacktracking(pattern string) bool {
	return strings.Contains(pattern, "+)+") ||
		strings.Contains(pattern, "*)+") ||
		strings.Contains(pattern, "+)*") ||
		strings.Contains(pattern, "*)*")
}

// Sanitize scans payload recursively and returns the redacted value plus
// the JSON-pointer paths that were touched. Redaction is idempotent:
// running it twice yields the same result and no further paths on the
// second pass.
func (s *Sanitizer) Sanitize(payload json.RawMessage) (json.RawMessage, []string, error) {
	if len(payload) == 0 {
		return payload, nil, nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		// Not JSON (or not an object/array) — treat as an opaque string-like
		// value is not possible here since callers always hand us a JSON
		// value; return unchanged rather than raising.
		return payload, nil, nil
	}

	var paths []string
	redacted := s.walk(decoded, "", &paths)

	out, err := json.Marshal(redacted)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: remarshal: %w", err)
	}
	return out, paths, nil
}

func (s *Sanitizer) walk(v any, path string, paths *[]string) any {
	switch t := v.(type) {
	case string:
		redacted, changed := s.redactString(t)
		if changed {
			*paths = append(*paths, path)
		}
		return redacted
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = s.walk(child, path+"/"+k, paths)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = s.walk(child, fmt.Sprintf("%s/%d", path, i), paths)
		}
		return out
	default:
		return v
	}
}

func (s *Sanitizer) redactString(v string) (string, bool) {
	redacted := v
	changed := false
	for _, p := range s.patterns {
		if p.re.MatchString(redacted) {
			redacted = p.re.ReplaceAllString(redacted, p.replacement)
			changed = true
		}
	}
	return redacted, changed
}

// SanitizePayload adapts Sanitize to the pipeline.Sanitizer interface,
// discarding the touched-paths list (the request pipeline only needs the
// redacted value; the container output reader path logs paths separately).
func (s *Sanitizer) SanitizePayload(payload json.RawMessage) (json.RawMessage, error) {
	out, paths, err := s.Sanitize(payload)
	if err != nil {
		slog.Warn("sanitize.failed", "error", err)
		return payload, err
	}
	if len(paths) > 0 {
		slog.Debug("sanitize.redacted", "paths", paths)
	}
	return out, nil
}
