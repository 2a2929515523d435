// Package vars implements expansion of `{{path.to.field}}` templates
// against a run-time variable snapshot, with dotted and indexed path
// lookup (`a.b[2].c`) and strict JSON-context re-validation.
package vars

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	pc "github.com/nevindra/pipelinecore"
)

// pathToken is one segment of a parsed dotted+indexed path: a field name
// optionally followed by one or more index accessors.
type pathToken struct {
	field   string
	indices []int
}

// parsePath splits "a.b[2].c" into [{field:"a"}, {field:"b", indices:[2]}, {field:"c"}].
func parsePath(path string) []pathToken {
	var tokens []pathToken
	for _, part := range strings.Split(path, ".") {
		tok := pathToken{}
		for {
			open := strings.IndexByte(part, '[')
			if open == -1 {
				tok.field = part
				break
			}
			if tok.field == "" {
				tok.field = part[:open]
			}
			close := strings.IndexByte(part[open:], ']')
			if close == -1 {
				break
			}
			close += open
			if n, err := strconv.Atoi(part[open+1 : close]); err == nil {
				tok.indices = append(tok.indices, n)
			}
			part = part[close+1:]
			if part == "" {
				break
			}
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Lookup resolves a dotted+indexed path against a variable snapshot.
// Missing paths return (nil, false) — callers decide the empty-string
// vs null substitution per context.
func Lookup(store map[string]any, path string) (any, bool) {
	tokens := parsePath(path)
	var cur any = store
	for _, tok := range tokens {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[tok.field]
		if !ok {
			return nil, false
		}
		cur = v
		for _, idx := range tok.indices {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
		}
	}
	return cur, true
}

// Warning records a resolution-time concern that doesn't abort the
// resolve (missing path, etc).
type Warning struct {
	Path   string
	Reason string
}

// Resolver evaluates templates against a VariableStore snapshot,
// accumulating warnings as it goes.
type Resolver struct {
	snapshot map[string]any
	Warnings []Warning
}

// New builds a Resolver over a variable snapshot (see
// pipelinecore.VariableStore.Snapshot).
func New(snapshot map[string]any) *Resolver {
	return &Resolver{snapshot: snapshot}
}

// ResolveString expands every `{{path}}` in template, substituting the
// literal empty string for an unresolved path (and recording a warning).
// `{{{{` is an escape producing a literal `{{`.
func (r *Resolver) ResolveString(template string) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	var b strings.Builder
	s := template
	for {
		if strings.HasPrefix(s, "{{{{") {
			b.WriteString("{{")
			s = s[4:]
			continue
		}
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			break
		}
		if strings.HasPrefix(s[start:], "{{{{") {
			b.WriteString(s[:start])
			b.WriteString("{{")
			s = s[start+4:]
			continue
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start
		b.WriteString(s[:start])
		path := strings.TrimSpace(s[start+2 : end])
		v, ok := Lookup(r.snapshot, path)
		if !ok {
			r.Warnings = append(r.Warnings, Warning{Path: path, Reason: "unresolved path"})
		} else {
			fmt.Fprintf(&b, "%v", v)
		}
		s = s[end+2:]
	}
	return b.String()
}

// ResolveJSON is like ResolveString but for JSON contexts: a template
// that is exactly one placeholder returns the looked-up value directly
// (preserving structure, `null` if unresolved); anything else is
// resolved as a string and wrapped as a JSON string value.
func (r *Resolver) ResolveJSON(template string) (any, error) {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "{{") == 1 && !strings.HasPrefix(trimmed, "{{{{") {
		path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		v, ok := Lookup(r.snapshot, path)
		if !ok {
			r.Warnings = append(r.Warnings, Warning{Path: path, Reason: "unresolved path"})
			return nil, nil
		}
		return v, nil
	}
	return r.ResolveString(template), nil
}

// ResolveValue recursively walks config values (maps, slices, scalars),
// resolving string leaves with ResolveString. Non-string scalars pass
// through unchanged.
func (r *Resolver) ResolveValue(v any) any {
	switch t := v.(type) {
	case string:
		return r.ResolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = r.ResolveValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = r.ResolveValue(vv)
		}
		return out
	default:
		return v
	}
}

// ResolveJSONBody resolves a raw JSON-request-body template. If the
// unresolved template already parses as valid JSON, resolution preserves
// structure (resolving string leaves value-by-value); if after
// string-level resolution the result is not valid JSON, it returns a
// *pc.TemplateRenderError.
func (r *Resolver) ResolveJSONBody(template string) (json.RawMessage, error) {
	var parsed any
	if err := json.Unmarshal([]byte(template), &parsed); err == nil {
		resolved := r.ResolveValue(parsed)
		out, err := json.Marshal(resolved)
		if err != nil {
			return nil, &pc.TemplateRenderError{Template: template, Reason: err.Error()}
		}
		return out, nil
	}

	resolved := r.ResolveString(template)
	if !json.Valid([]byte(resolved)) {
		return nil, &pc.TemplateRenderError{Template: template, Reason: "resolved value is not valid JSON"}
	}
	return json.RawMessage(resolved), nil
}
