package procedure

import (
	"regexp"
	"strings"

	"github.com/mizuchilabs/sqlport/pkg/schema"
)

// innerUnderscore matches an underscore between two other characters
var innerUnderscore = regexp.MustCompile(`[^_]_[^_]`)

// Delimiter picks how nested input maps onto the parameters of a routine:
// "." when a parameter name holds a dot, "_" when one holds an inner
// underscore, otherwise "" and the input is used as is.
func Delimiter(params []schema.Param) string {
	for _, p := range params {
		if strings.Contains(p.Name, ".") {
			return "."
		}
	}
	for _, p := range params {
		if innerUnderscore.MatchString(p.Name) {
			return "_"
		}
	}
	return ""
}

// Flatten joins nested object keys with delim. Arrays are leaves and an
// empty object is kept as an empty leaf. An empty delim returns msg.
func Flatten(msg map[string]any, delim string) map[string]any {
	if delim == "" {
		return msg
	}
	out := make(map[string]any, len(msg))
	flatten(out, "", msg, delim)
	return out
}

func flatten(out map[string]any, prefix string, obj map[string]any, delim string) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + delim + k
		}
		nested, ok := v.(map[string]any)
		switch {
		case !ok:
			out[key] = v
		case len(nested) == 0:
			out[key] = map[string]any{}
		default:
			flatten(out, key, nested, delim)
		}
	}
}

// Unflatten splits keys on delim back into nested objects
func Unflatten(flat map[string]any, delim string) map[string]any {
	if delim == "" {
		return flat
	}
	out := make(map[string]any, len(flat))
	for key, v := range flat {
		parts := strings.Split(key, delim)
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		// an empty leaf must not replace fields already restored
		if m, ok := v.(map[string]any); ok && len(m) == 0 {
			if _, exists := node[last]; exists {
				continue
			}
		}
		node[last] = v
	}
	return out
}
