package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/floehq/floe/pkg/schema"
)

// Scope holds the data available for token resolution during a run.
type Scope struct {
	Outputs map[string]map[string]any // node ID -> published output
	Trigger map[string]any            // originating event payload
}

// NewScope creates an empty scope with the given trigger payload.
func NewScope(trigger map[string]any) *Scope {
	return &Scope{
		Outputs: make(map[string]map[string]any),
		Trigger: trigger,
	}
}

// Publish records a node's output so downstream templates can reference it.
func (s *Scope) Publish(nodeID string, output schema.NodeOutput) {
	s.Outputs[nodeID] = output.Map()
}

// Resolve substitutes {node.field} tokens in the template. Each token's
// leading segment names a node ID (or the literal "trigger"); the remaining
// dotted segments index into that node's output, with numeric array indices
// like items[0].price. Unresolvable tokens become the empty string unless
// strict is set, in which case a RESOLUTION_ERROR is returned. Text with no
// tokens passes through unchanged. Only dotted-path lookup is supported, no
// expression evaluation.
func Resolve(tmpl string, scope *Scope, strict bool) (string, error) {
	if !strings.ContainsRune(tmpl, '{') {
		return tmpl, nil
	}

	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.IndexByte(tmpl[i:], '{')
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		result.WriteString(tmpl[i : i+idx])
		open := i + idx

		end := strings.IndexByte(tmpl[open:], '}')
		if end == -1 {
			// Unterminated brace, not a token.
			result.WriteString(tmpl[open:])
			break
		}
		end += open

		path := tmpl[open+1 : end]
		if !isTokenPath(path) {
			// Literal braces (JSON bodies and the like) pass through.
			result.WriteByte('{')
			i = open + 1
			continue
		}

		val, err := Lookup(path, scope)
		if err != nil {
			if strict {
				return "", err
			}
			val = ""
		}

		result.WriteString(stringify(val))
		i = end + 1
	}

	return result.String(), nil
}

// References returns the distinct root node ids referenced by the template's
// tokens, in first-appearance order. "trigger" counts as a root. Text that
// is not a well-formed token (JSON braces and the like) is ignored, matching
// how Resolve treats it.
func References(tmpl string) []string {
	if !strings.ContainsRune(tmpl, '{') {
		return nil
	}

	var refs []string
	seen := make(map[string]bool)

	i := 0
	for i < len(tmpl) {
		idx := strings.IndexByte(tmpl[i:], '{')
		if idx == -1 {
			break
		}
		open := i + idx

		end := strings.IndexByte(tmpl[open:], '}')
		if end == -1 {
			break
		}
		end += open

		path := tmpl[open+1 : end]
		if !isTokenPath(path) {
			i = open + 1
			continue
		}

		root := path
		if dot := strings.IndexByte(root, '.'); dot != -1 {
			root = root[:dot]
		}
		if br := strings.IndexByte(root, '['); br != -1 {
			root = root[:br]
		}
		if !seen[root] {
			seen[root] = true
			refs = append(refs, root)
		}
		i = end + 1
	}

	return refs
}

// Lookup resolves a single token path like "pay.checkoutRequestId" or
// "trigger.items[0].price" against the scope. Always errors on a miss;
// Resolve applies the permissive fallback.
func Lookup(path string, scope *Scope) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	head := segments[0]
	var root any
	if head.key == "trigger" {
		if scope.Trigger == nil {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot resolve {%s}: run has no trigger payload", path)
		}
		root = scope.Trigger
	} else {
		out, ok := scope.Outputs[head.key]
		if !ok {
			available := outputKeys(scope)
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"node %q not found in {%s}; available: [%s]", head.key, path, strings.Join(available, ", ")).
				WithDetails(map[string]any{"token": path, "available_nodes": available})
		}
		root = out
	}

	current := root
	if head.index >= 0 {
		current, err = indexInto(current, head.index, path)
		if err != nil {
			return nil, err
		}
	}

	for _, seg := range segments[1:] {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot traverse into non-object at %q in {%s} (type: %T)", seg.key, path, current).
				WithDetails(map[string]any{"token": path})
		}
		val, ok := obj[seg.key]
		if !ok {
			available := mapKeys(obj)
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"field %q not found in {%s}; available: [%s]", seg.key, path, strings.Join(available, ", ")).
				WithDetails(map[string]any{"token": path, "available_fields": available})
		}
		current = val
		if seg.index >= 0 {
			current, err = indexInto(current, seg.index, path)
			if err != nil {
				return nil, err
			}
		}
	}

	return current, nil
}

type segment struct {
	key   string
	index int // -1 when the segment carries no [N] suffix
}

// parsePath splits "a.b[2].c" into segments, validating the token grammar.
func parsePath(path string) ([]segment, error) {
	parts := strings.Split(path, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		key := part
		index := -1
		if open := strings.IndexByte(part, '['); open != -1 {
			if !strings.HasSuffix(part, "]") {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"malformed index in token {%s}", path)
			}
			n, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || n < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"malformed index in token {%s}", path)
			}
			key = part[:open]
			index = n
		}
		if key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"empty segment in token {%s}", path)
		}
		segments = append(segments, segment{key: key, index: index})
	}
	return segments, nil
}

func indexInto(val any, n int, path string) (any, error) {
	arr, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"cannot index into non-array in {%s} (type: %T)", path, val).
			WithDetails(map[string]any{"token": path})
	}
	if n >= len(arr) {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"index %d out of range in {%s} (length %d)", n, path, len(arr)).
			WithDetails(map[string]any{"token": path, "length": len(arr)})
	}
	return arr[n], nil
}

// isTokenPath reports whether the brace content matches the token grammar
// ident(.ident)* with optional [N] suffixes. Anything else is literal text.
func isTokenPath(s string) bool {
	if s == "" {
		return false
	}
	expectIdent := true
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case expectIdent:
			if !isIdentStart(c) {
				return false
			}
			expectIdent = false
			i++
		case isIdentChar(c):
			i++
		case c == '[':
			close := strings.IndexByte(s[i:], ']')
			if close <= 1 {
				return false
			}
			for _, d := range s[i+1 : i+close] {
				if d < '0' || d > '9' {
					return false
				}
			}
			i += close + 1
		case c == '.':
			expectIdent = true
			i++
		default:
			return false
		}
	}
	return !expectIdent
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

// stringify renders a resolved value for embedding into the surrounding text.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func outputKeys(scope *Scope) []string {
	keys := make([]string, 0, len(scope.Outputs)+1)
	for k := range scope.Outputs {
		keys = append(keys, k)
	}
	if scope.Trigger != nil {
		keys = append(keys, "trigger")
	}
	sortStrings(keys)
	return keys
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

func sortStrings(keys []string) {
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
}
