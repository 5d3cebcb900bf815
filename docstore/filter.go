package docstore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEquals       Operator = "="
	OpNotEquals    Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpLike         Operator = "like"
	OpNotLike      Operator = "not like"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not in"
	// OpIs takes "set" or "not set" as its value.
	OpIs Operator = "is"
)

var knownOperators = []Operator{
	OpEquals, OpNotEquals, OpGreater, OpLess, OpGreaterEqual, OpLessEqual,
	OpLike, OpNotLike, OpIn, OpNotIn, OpIs,
}

// Filter is one field condition. Filters in a list are AND-combined.
type Filter struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// ParseFilters converts a filter map into filters sorted by field.
//
// Each entry is either field: value (equality), field: null ("is not set"),
// or field: [operator, value], e.g. {"status": "Open", "date": [">", "2024-01-01"]}.
func ParseFilters(raw map[string]any) ([]Filter, error) {
	fields := make([]string, 0, len(raw))
	for field := range raw {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	filters := make([]Filter, 0, len(fields))
	for _, field := range fields {
		filter, err := parseFilter(field, raw[field])
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func parseFilter(field string, value any) (Filter, error) {
	switch v := value.(type) {
	case nil:
		return Filter{Field: field, Op: OpIs, Value: "not set"}, nil
	case []any:
		if len(v) != 2 {
			return Filter{}, fmt.Errorf("filter %q: expected [operator, value], got %d elements", field, len(v))
		}
		opName, ok := v[0].(string)
		if !ok {
			return Filter{}, fmt.Errorf("filter %q: operator must be a string", field)
		}
		op := Operator(strings.ToLower(strings.TrimSpace(opName)))
		if op == "==" {
			op = OpEquals
		}
		if !slices.Contains(knownOperators, op) {
			return Filter{}, fmt.Errorf("filter %q: unsupported operator %q", field, opName)
		}
		return normalizeFilter(Filter{Field: field, Op: op, Value: v[1]})
	case []string:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = item
		}
		return parseFilter(field, items)
	case map[string]any:
		return Filter{}, fmt.Errorf("filter %q: nested objects are not supported", field)
	default:
		return Filter{Field: field, Op: OpEquals, Value: v}, nil
	}
}

func normalizeFilter(f Filter) (Filter, error) {
	switch f.Op {
	case OpIn, OpNotIn:
		list, err := filterList(f.Value)
		if err != nil {
			return Filter{}, fmt.Errorf("filter %q: %w", f.Field, err)
		}
		f.Value = list
	case OpIs:
		s, _ := f.Value.(string)
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "set" && s != "not set" {
			return Filter{}, fmt.Errorf("filter %q: \"is\" expects \"set\" or \"not set\"", f.Field)
		}
		f.Value = s
	case OpLike, OpNotLike:
		if _, ok := f.Value.(string); !ok {
			return Filter{}, fmt.Errorf("filter %q: %s expects a string pattern", f.Field, f.Op)
		}
	}
	return f, nil
}

func filterList(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case string:
		var out []any
		for _, part := range strings.Split(v, ",") {
			if clean := strings.TrimSpace(part); clean != "" {
				out = append(out, clean)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", value)
	}
}

// ValidateFilters checks that every filter names a field of meta.
func ValidateFilters(meta DocType, filters []Filter) error {
	for _, f := range filters {
		if !meta.HasField(f.Field) {
			return validationErrorf(meta.Name, f.Field, "Field not permitted in query: %s", f.Field)
		}
	}
	return nil
}

// coerceFilters converts filter values to the stored type of their field, so
// numeric fields compare against numbers and text fields against strings in
// every local store.
func coerceFilters(meta DocType, filters []Filter) []Filter {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		field, ok := meta.Field(f.Field)
		switch {
		case !ok, f.Op == OpIs, f.Op == OpLike, f.Op == OpNotLike:
		case f.Op == OpIn, f.Op == OpNotIn:
			list, _ := f.Value.([]any)
			items := make([]any, len(list))
			for j, item := range list {
				items[j] = coerceFilterValue(field.Type, item)
			}
			f.Value = items
		default:
			f.Value = coerceFilterValue(field.Type, f.Value)
		}
		out[i] = f
	}
	return out
}

func coerceFilterValue(fieldType FieldType, value any) any {
	if isEmpty(value) {
		return value
	}
	switch {
	case fieldType.Numeric(), fieldType == FieldCheck:
		if f, ok := toFloat(value); ok {
			return f
		}
	case fieldType.Textual():
		if _, ok := value.(string); !ok {
			return scalarString(value)
		}
	}
	return value
}

// Match reports whether doc satisfies f.
func (f Filter) Match(doc Document) bool {
	value := doc[f.Field]
	switch f.Op {
	case OpEquals:
		return equalValues(value, f.Value)
	case OpNotEquals:
		return !equalValues(value, f.Value)
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		if isEmpty(value) {
			return false
		}
		cmp, ok := compareValues(value, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpGreater:
			return cmp > 0
		case OpLess:
			return cmp < 0
		case OpGreaterEqual:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	case OpLike, OpNotLike:
		pattern, _ := f.Value.(string)
		matched := likeMatch(pattern, doc.String(f.Field))
		if f.Op == OpLike {
			return matched
		}
		return !matched
	case OpIn, OpNotIn:
		list, _ := f.Value.([]any)
		found := slices.ContainsFunc(list, func(item any) bool { return equalValues(value, item) })
		if f.Op == OpIn {
			return found
		}
		return !found
	case OpIs:
		if f.Value == "set" {
			return !isEmpty(value)
		}
		return isEmpty(value)
	default:
		return false
	}
}

// MatchAll reports whether doc satisfies every filter.
func MatchAll(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(doc) {
			return false
		}
	}
	return true
}

// MatchAny reports whether doc satisfies at least one filter; an empty list matches.
func MatchAny(doc Document, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Match(doc) {
			return true
		}
	}
	return false
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}
	s, ok := value.(string)
	return ok && s == ""
}

func equalValues(a, b any) bool {
	if isEmpty(a) || isEmpty(b) {
		return isEmpty(a) && isEmpty(b)
	}
	cmp, ok := compareValues(a, b)
	return ok && cmp == 0
}

// compareValues orders two scalar values. Two strings compare as strings;
// otherwise both sides are compared numerically when they parse as numbers.
func compareValues(a, b any) (int, bool) {
	_, aString := a.(string)
	_, bString := b.(string)
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum && !(aString && bString) {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, bs := scalarString(a), scalarString(b)
	return strings.Compare(as, bs), true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// likeMatch implements SQL LIKE: % matches any run, _ one character,
// case-insensitive like SQLite's default.
func likeMatch(pattern, value string) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
