package rules

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type scope struct {
	global  any
	current any
	item    any
	inItem  bool
}

type opFunc func(s *scope, args []Expr) (any, error)

var operators map[string]opFunc

func init() {
	operators = map[string]opFunc{
		"==":     compareOp(func(a, b any) bool { return looseEqual(a, b) }),
		"===":    compareOp(strictEqual),
		"!=":     compareOp(func(a, b any) bool { return !looseEqual(a, b) }),
		"!==":    compareOp(func(a, b any) bool { return !strictEqual(a, b) }),
		">":      compareOp(func(a, b any) bool { return less(b, a, false) }),
		">=":     compareOp(func(a, b any) bool { return less(b, a, true) }),
		"<":      betweenOp(false),
		"<=":     betweenOp(true),
		"!":      notOp(false),
		"!!":     notOp(true),
		"and":    andOp,
		"or":     orOp,
		"if":     ifOp,
		"?:":     ifOp,
		"in":     inOp,
		"cat":    catOp,
		"+":      sumOp,
		"-":      minusOp,
		"*":      productOp,
		"/":      arithOp(func(a, b float64) float64 { return a / b }),
		"%":      arithOp(math.Mod),
		"min":    extremeOp(math.Min),
		"max":    extremeOp(math.Max),
		"missing": missingOp,
		"some":   quantifierOp(func(matched, total int) bool { return matched > 0 }),
		"all":    quantifierOp(func(matched, total int) bool { return total > 0 && matched == total }),
		"none":   quantifierOp(func(matched, total int) bool { return matched == 0 }),
		"filter": filterOp,
		"map":    mapOp,
		"merge":  mergeOp,
	}
}

// Evaluate runs expr with global as the root context and current as the
// node-local context addressed by @ paths.
func Evaluate(expr Expr, global, current any) (any, error) {
	return expr.eval(&scope{global: global, current: current})
}

func (l Literal) eval(*scope) (any, error) {
	return l.Value, nil
}

func (a Array) eval(s *scope) (any, error) {
	return evalAll(s, a.Items)
}

func (o Object) eval(s *scope) (any, error) {
	out := make(map[string]any, len(o.Keys))

	for i := range o.Keys {
		key, err := o.Keys[i].eval(s)
		if err != nil {
			return nil, err
		}

		value, err := o.Values[i].eval(s)
		if err != nil {
			return nil, err
		}

		out[Stringify(key)] = value
	}

	return out, nil
}

func (v VarRef) eval(s *scope) (any, error) {
	var resolved any

	rooted := strings.HasPrefix(v.Path, "$") || strings.HasPrefix(v.Path, "@")

	switch {
	case s.inItem && !rooted:
		resolved = lookupDotted(s.item, v.Path)
		if resolved == nil && IsJSONPath(v.Path) {
			resolved = Resolve(v.Path, s.global, s.current)
		}
	case IsJSONPath(v.Path):
		resolved = Resolve(v.Path, s.global, s.current)
	}

	if resolved == nil && v.Default != nil {
		return v.Default.eval(s)
	}

	return resolved, nil
}

func (t Template) eval(s *scope) (any, error) {
	var b strings.Builder

	for _, seg := range t.Segments {
		if !seg.IsPath {
			b.WriteString(seg.Text)

			continue
		}

		b.WriteString(Stringify(Resolve(seg.Path, s.global, s.current)))
	}

	return b.String(), nil
}

func (o Op) eval(s *scope) (any, error) {
	fn, ok := operators[o.Operator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, o.Operator)
	}

	return fn(s, o.Args)
}

func evalAll(s *scope, exprs []Expr) ([]any, error) {
	out := make([]any, 0, len(exprs))

	for _, e := range exprs {
		v, err := e.eval(s)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

func arg(s *scope, args []Expr, i int) (any, error) {
	if i >= len(args) {
		return nil, nil
	}

	return args[i].eval(s)
}

func compareOp(cmp func(a, b any) bool) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		values, err := evalAll(s, args)
		if err != nil {
			return nil, err
		}

		for len(values) < 2 {
			values = append(values, nil)
		}

		return cmp(values[0], values[1]), nil
	}
}

func betweenOp(orEqual bool) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		values, err := evalAll(s, args)
		if err != nil {
			return nil, err
		}

		for len(values) < 2 {
			values = append(values, nil)
		}

		if len(values) >= 3 {
			return less(values[0], values[1], orEqual) && less(values[1], values[2], orEqual), nil
		}

		return less(values[0], values[1], orEqual), nil
	}
}

func notOp(double bool) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		v, err := arg(s, args, 0)
		if err != nil {
			return nil, err
		}

		if double {
			return Truthy(v), nil
		}

		return !Truthy(v), nil
	}
}

func andOp(s *scope, args []Expr) (any, error) {
	var last any

	for _, a := range args {
		v, err := a.eval(s)
		if err != nil {
			return nil, err
		}

		if !Truthy(v) {
			return v, nil
		}

		last = v
	}

	return last, nil
}

func orOp(s *scope, args []Expr) (any, error) {
	var last any

	for _, a := range args {
		v, err := a.eval(s)
		if err != nil {
			return nil, err
		}

		if Truthy(v) {
			return v, nil
		}

		last = v
	}

	return last, nil
}

func ifOp(s *scope, args []Expr) (any, error) {
	i := 0

	for ; i+1 < len(args); i += 2 {
		cond, err := args[i].eval(s)
		if err != nil {
			return nil, err
		}

		if Truthy(cond) {
			return args[i+1].eval(s)
		}
	}

	if i < len(args) {
		return args[i].eval(s)
	}

	return nil, nil
}

func inOp(s *scope, args []Expr) (any, error) {
	needle, err := arg(s, args, 0)
	if err != nil {
		return nil, err
	}

	haystack, err := arg(s, args, 1)
	if err != nil {
		return nil, err
	}

	if str, ok := haystack.(string); ok {
		return strings.Contains(str, Stringify(needle)), nil
	}

	return slices.ContainsFunc(toList(haystack), func(item any) bool {
		return strictEqual(item, needle)
	}), nil
}

func catOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, v := range values {
		b.WriteString(Stringify(v))
	}

	return b.String(), nil
}

func sumOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, v := range values {
		total += toNumber(v)
	}

	return total, nil
}

func productOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	total := 1.0
	for _, v := range values {
		total *= toNumber(v)
	}

	return total, nil
}

func minusOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return -toNumber(values[0]), nil
	}

	return toNumber(values[0]) - toNumber(values[1]), nil
}

func arithOp(fn func(a, b float64) float64) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		values, err := evalAll(s, args)
		if err != nil {
			return nil, err
		}

		for len(values) < 2 {
			values = append(values, nil)
		}

		return fn(toNumber(values[0]), toNumber(values[1])), nil
	}
}

func extremeOp(pick func(a, b float64) float64) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		values, err := evalAll(s, args)
		if err != nil {
			return nil, err
		}

		if len(values) == 0 {
			return nil, nil
		}

		out := toNumber(values[0])
		for _, v := range values[1:] {
			out = pick(out, toNumber(v))
		}

		return out, nil
	}
}

func missingOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	if len(values) == 1 {
		if list := toList(values[0]); list != nil {
			values = list
		}
	}

	missing := []any{}

	for _, v := range values {
		path := Stringify(v)

		resolved, err := VarRef{Path: path}.eval(s)
		if err != nil {
			return nil, err
		}

		if resolved == nil || resolved == "" {
			missing = append(missing, path)
		}
	}

	return missing, nil
}

func iterate(s *scope, args []Expr, visit func(item, result any)) error {
	source, err := arg(s, args, 0)
	if err != nil {
		return err
	}

	if len(args) < 2 {
		return nil
	}

	for _, item := range toList(source) {
		inner := &scope{global: s.global, current: s.current, item: item, inItem: true}

		result, err := args[1].eval(inner)
		if err != nil {
			return err
		}

		visit(item, result)
	}

	return nil
}

func quantifierOp(decide func(matched, total int) bool) opFunc {
	return func(s *scope, args []Expr) (any, error) {
		matched, total := 0, 0

		err := iterate(s, args, func(_, result any) {
			total++

			if Truthy(result) {
				matched++
			}
		})
		if err != nil {
			return nil, err
		}

		return decide(matched, total), nil
	}
}

func filterOp(s *scope, args []Expr) (any, error) {
	out := []any{}

	err := iterate(s, args, func(item, result any) {
		if Truthy(result) {
			out = append(out, item)
		}
	})

	return out, err
}

func mapOp(s *scope, args []Expr) (any, error) {
	out := []any{}

	err := iterate(s, args, func(_, result any) {
		out = append(out, result)
	})

	return out, err
}

func mergeOp(s *scope, args []Expr) (any, error) {
	values, err := evalAll(s, args)
	if err != nil {
		return nil, err
	}

	out := []any{}

	for _, v := range values {
		if list := toList(v); list != nil {
			out = append(out, list...)

			continue
		}

		out = append(out, v)
	}

	return out, nil
}
