package vectorstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled metadata filter. Top-level equality conditions are
// pushed down into the collection query; everything else runs as a CEL
// program over each candidate's metadata.
type Filter struct {
	where   map[string]string
	expr    string
	params  []any
	program cel.Program
}

var filterEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		// m holds metadata with numeric and boolean values decoded, s the raw strings.
		cel.Variable("m", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("s", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("p", cel.ListType(cel.DynType)),
	)
})

// CombineFilters returns the conjunction of the given filters, skipping empty ones.
func CombineFilters(filters ...map[string]any) map[string]any {
	var parts []any
	for _, f := range filters {
		if len(f) > 0 {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0].(map[string]any)
	default:
		return map[string]any{"$and": parts}
	}
}

// CompileFilter compiles a filter document. Supported operators are $eq,
// $ne, $gt, $gte, $lt, $lte, $in, $nin, $and and $or; a bare value means $eq.
// A nil or empty filter matches everything.
func CompileFilter(filter map[string]any) (*Filter, error) {
	f := &Filter{where: map[string]string{}}
	if len(filter) == 0 {
		return f, nil
	}

	var clauses []string
	for _, c := range conjuncts(filter) {
		if key, value, ok := pushdown(c); ok {
			if prev, seen := f.where[key]; !seen || prev == value {
				f.where[key] = value
				continue
			}
		}
		clause, err := f.compile(c)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return f, nil
	}

	f.expr = strings.Join(clauses, " && ")
	env, err := filterEnv()
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}
	ast, issues := env.Compile(f.expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", issues.Err())
	}
	f.program, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return f, nil
}

// Where returns the equality conditions handled by the collection query.
func (f *Filter) Where() map[string]string {
	if len(f.where) == 0 {
		return nil
	}
	return f.where
}

// PostFilter reports whether candidates must be checked with Match.
func (f *Filter) PostFilter() bool {
	return f.program != nil
}

// Match evaluates the non-pushed-down conditions against a document's metadata.
func (f *Filter) Match(metadata map[string]string) (bool, error) {
	if f.program == nil {
		return true, nil
	}
	typed := make(map[string]any, len(metadata))
	for k, v := range metadata {
		typed[k] = decodeValue(v)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	params := f.params
	if params == nil {
		params = []any{}
	}
	out, _, err := f.program.Eval(map[string]any{"m": typed, "s": metadata, "p": params})
	if err != nil {
		return false, fmt.Errorf("evaluate filter %q: %w", f.expr, err)
	}
	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

// conjuncts flattens the implicit top-level conjunction, including nested
// $and lists, into single-condition documents.
func conjuncts(filter map[string]any) []map[string]any {
	var out []map[string]any
	for _, key := range sortedKeys(filter) {
		value := filter[key]
		if key == "$and" {
			if items, ok := value.([]any); ok {
				for _, item := range items {
					if m, ok := item.(map[string]any); ok {
						out = append(out, conjuncts(m)...)
						continue
					}
					out = append(out, map[string]any{key: value})
					break
				}
				continue
			}
		}
		out = append(out, map[string]any{key: value})
	}
	return out
}

func pushdown(c map[string]any) (string, string, bool) {
	for key, value := range c {
		if strings.HasPrefix(key, "$") {
			return "", "", false
		}
		if ops, ok := value.(map[string]any); ok {
			eq, has := ops["$eq"]
			if !has || len(ops) != 1 {
				return "", "", false
			}
			value = eq
		}
		s, ok := scalarString(value)
		return key, s, ok
	}
	return "", "", false
}

func (f *Filter) compile(doc map[string]any) (string, error) {
	var clauses []string
	for _, key := range sortedKeys(doc) {
		value := doc[key]
		switch key {
		case "$and", "$or":
			items, ok := value.([]any)
			if !ok || len(items) == 0 {
				return "", fmt.Errorf("%s expects a non-empty list", key)
			}
			var sub []string
			for _, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("%s items must be objects", key)
				}
				clause, err := f.compile(m)
				if err != nil {
					return "", err
				}
				sub = append(sub, clause)
			}
			op := " && "
			if key == "$or" {
				op = " || "
			}
			clauses = append(clauses, "("+strings.Join(sub, op)+")")
		default:
			if strings.HasPrefix(key, "$") {
				return "", fmt.Errorf("unknown filter operator %q", key)
			}
			ops, ok := value.(map[string]any)
			if !ok {
				ops = map[string]any{"$eq": value}
			}
			for _, op := range sortedKeys(ops) {
				clause, err := f.field(key, op, ops[op])
				if err != nil {
					return "", err
				}
				clauses = append(clauses, clause)
			}
		}
	}
	if len(clauses) == 0 {
		return "true", nil
	}
	return "(" + strings.Join(clauses, " && ") + ")", nil
}

func (f *Filter) field(key, op string, value any) (string, error) {
	k := strconv.Quote(key)
	switch op {
	case "$eq", "$ne":
		v, err := normalize(value)
		if err != nil {
			return "", fmt.Errorf("%s on %q: %w", op, key, err)
		}
		m := "m"
		if _, ok := v.(string); ok {
			m = "s"
		}
		p := f.param(v)
		if op == "$eq" {
			return fmt.Sprintf("(%s in %s && %s[%s] == %s)", k, m, m, k, p), nil
		}
		return fmt.Sprintf("(!(%s in %s) || %s[%s] != %s)", k, m, m, k, p), nil
	case "$gt", "$gte", "$lt", "$lte":
		v, err := normalize(value)
		if err != nil {
			return "", fmt.Errorf("%s on %q: %w", op, key, err)
		}
		cmp := map[string]string{"$gt": ">", "$gte": ">=", "$lt": "<", "$lte": "<="}[op]
		switch v.(type) {
		case float64:
			return fmt.Sprintf("(%s in m && type(m[%s]) == double && m[%s] %s %s)", k, k, k, cmp, f.param(v)), nil
		case string:
			return fmt.Sprintf("(%s in s && s[%s] %s %s)", k, k, cmp, f.param(v)), nil
		default:
			return "", fmt.Errorf("%s on %q needs a number or string", op, key)
		}
	case "$in", "$nin":
		items, ok := value.([]any)
		if !ok {
			return "", fmt.Errorf("%s on %q expects a list", op, key)
		}
		list := make([]any, 0, len(items))
		allStrings := true
		for _, item := range items {
			v, err := normalize(item)
			if err != nil {
				return "", fmt.Errorf("%s on %q: %w", op, key, err)
			}
			if _, ok := v.(string); !ok {
				allStrings = false
			}
			list = append(list, v)
		}
		m := "m"
		if allStrings {
			m = "s"
		}
		p := f.param(list)
		if op == "$in" {
			return fmt.Sprintf("(%s in %s && %s[%s] in %s)", k, m, m, k, p), nil
		}
		return fmt.Sprintf("(!(%s in %s) || !(%s[%s] in %s))", k, m, m, k, p), nil
	default:
		return "", fmt.Errorf("unknown filter operator %q", op)
	}
}

func (f *Filter) param(v any) string {
	f.params = append(f.params, v)
	return fmt.Sprintf("p[%d]", len(f.params)-1)
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	default:
		return nil, fmt.Errorf("unsupported value %v (%T)", v, v)
	}
}

func scalarString(v any) (string, bool) {
	v, err := normalize(v)
	if err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

func decodeValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
