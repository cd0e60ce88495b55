// Package templates substitutes @dotted.variable expressions in message text
// against a per-recipient context. Unresolved variables pass through verbatim
// so a typo in a template degrades to visible text rather than an error.
package templates

import (
	"fmt"
	"strings"
)

// Evaluate renders template against ctx and returns the rendered text plus the
// variables it could not resolve. "@@" escapes a literal "@".
func Evaluate(template string, ctx map[string]any) (string, []string) {
	var out strings.Builder
	var unresolved []string

	i := 0
	for i < len(template) {
		c := template[i]
		if c != '@' {
			out.WriteByte(c)
			i++
			continue
		}
		if i+1 < len(template) && template[i+1] == '@' {
			out.WriteByte('@')
			i += 2
			continue
		}

		expr := readExpression(template[i+1:])
		if expr == "" {
			out.WriteByte('@')
			i++
			continue
		}

		if val, ok := lookup(ctx, expr); ok {
			out.WriteString(stringify(val))
		} else {
			out.WriteString("@" + expr)
			unresolved = append(unresolved, expr)
		}
		i += 1 + len(expr)
	}

	return out.String(), unresolved
}

// readExpression consumes a dotted identifier, not including a trailing dot
// (so "@contact.name." renders the name and keeps the period).
func readExpression(s string) string {
	end := 0
	for end < len(s) && isIdentChar(s[end]) {
		end++
	}
	expr := s[:end]
	for strings.HasSuffix(expr, ".") {
		expr = expr[:len(expr)-1]
	}
	return expr
}

func isIdentChar(c byte) bool {
	return c == '.' || c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lookup(ctx map[string]any, expr string) (any, bool) {
	parts := strings.Split(expr, ".")
	var cur any = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any:
		// a bare reference to a composite renders its default entry if present
		if def, ok := val["__default__"]; ok {
			return stringify(def)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
