package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
)

var (
	identifierChain = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*(\.[a-zA-Z_$][a-zA-Z0-9_$]*)*$`)
	indexAccess     = regexp.MustCompile(`^\w+\[\d+\]`)
	quotedAccess    = regexp.MustCompile(`^\w+\[['"][^'"]+['"]\]`)
)

// IsJSONPath reports whether s looks like a path into the context rather
// than plain text.
func IsJSONPath(s string) bool {
	switch {
	case s == "":
		return false
	case s == "$" || strings.HasPrefix(s, "$."), s == "@" || strings.HasPrefix(s, "@."):
		return true
	case strings.Contains(s, "?(@"):
		return true
	case indexAccess.MatchString(s), quotedAccess.MatchString(s):
		return true
	case identifierChain.MatchString(s):
		return true
	case strings.Contains(s, ".."), strings.Contains(s, "*"):
		return true
	}

	return false
}

// pathCache keeps parsed JSONPath expressions keyed by their source.
var pathCache sync.Map

func compilePath(path string) (jp.Expr, error) {
	if cached, ok := pathCache.Load(path); ok {
		return cached.(jp.Expr), nil
	}

	x, err := jp.ParseString(path)
	if err != nil {
		return nil, err
	}

	pathCache.Store(path, x)

	return x, nil
}

// Resolve looks a path up. Paths starting with @ are read from current,
// everything else from global with "$." prepended when missing. A path that
// cannot be parsed or matches nothing resolves to nil.
func Resolve(path string, global, current any) any {
	data := global
	query := path

	switch {
	case strings.HasPrefix(path, "@") && current != nil:
		if path == "@" {
			return current
		}

		data = current
		query = "$" + strings.TrimPrefix(path, "@")
	case !strings.HasPrefix(path, "$"):
		query = "$." + path
	}

	x, err := compilePath(query)
	if err != nil {
		return nil
	}

	results := x.Get(data)
	if len(results) == 0 {
		return nil
	}

	return results[0]
}

// lookupDotted resolves the plain json-logic dotted path used inside
// some/all/none against the current item.
func lookupDotted(data any, path string) any {
	if path == "" {
		return data
	}

	current := data

	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			current = v[part]
		case []any:
			idx, ok := parseIndex(part)
			if !ok || idx < 0 || idx >= len(v) {
				return nil
			}

			current = v[idx]
		default:
			return nil
		}
	}

	return current
}

// parseIndex accepts non-negative decimal indexes that fit in an int.
func parseIndex(s string) (int, bool) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, false
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}
