package rules

// Render substitutes {{path}} templates and {"var": path} objects anywhere
// inside value. Map keys are rendered too. Values that contain no template
// are returned unchanged.
func Render(value any, global, current any) any {
	s := &scope{global: global, current: current}

	return render(s, value)
}

func render(s *scope, value any) any {
	switch v := value.(type) {
	case string:
		expr := parseString(v)
		if _, ok := expr.(Literal); ok {
			return v
		}

		out, err := expr.eval(s)
		if err != nil {
			return v
		}

		return out
	case map[string]any:
		if ref, ok := v["var"]; ok && len(v) == 1 {
			expr, err := parseVar(ref)
			if err != nil {
				return v
			}

			out, err := expr.eval(s)
			if err != nil {
				return nil
			}

			return out
		}

		out := make(map[string]any, len(v))
		for key, item := range v {
			out[Stringify(render(s, key))] = render(s, item)
		}

		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[Stringify(render(s, key))] = render(s, item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = render(s, item)
		}

		return out
	default:
		return value
	}
}

// RenderString renders a single string and returns its string form.
func RenderString(value string, global, current any) string {
	return Stringify(Render(value, global, current))
}
