package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/crew/pkg/schema"
)

// Interpolate resolves ${{path.to.value}} references in a prompt template
// against scope. Paths are dot-delimited and traverse nested maps. With
// lenient set, unresolvable references render as an empty string instead of
// failing.
func Interpolate(template string, scope map[string]any, lenient bool) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference")
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		if path == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty reference: ${{  }}")
		}
		if strings.Contains(path, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested ${{ reference not allowed")
		}

		val, err := lookupPath(scope, path)
		if err != nil {
			if !lenient {
				return "", err
			}
			val = ""
		}
		result.WriteString(renderInline(val))

		i = end + 2
	}

	return result.String(), nil
}

// HasReferences reports whether a template contains any ${{...}} reference.
func HasReferences(template string) bool {
	return strings.Contains(template, "${{")
}

func lookupPath(root map[string]any, path string) (any, error) {
	if val, ok := root[path]; ok {
		return val, nil
	}

	var current any = root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in %q at position %d", path, i)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound,
					"field %q not found in %q; available: [%s]", seg, path, strings.Join(mapKeys(v), ", "))
			}
			current = val
		case map[string]map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "field %q not found in %q", seg, path)
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot traverse into %T at %q in %q", current, seg, path)
		}
	}
	return current, nil
}

// renderInline converts a resolved value into prompt text. Strings are
// embedded as-is; composites are JSON encoded.
func renderInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
