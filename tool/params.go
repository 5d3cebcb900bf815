package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Parameter type literals, named after their JSON schema types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var validParamTypes = []string{TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray}

// Param declares one named tool argument.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func (p Param) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("param name is required")
	}
	if !slices.Contains(validParamTypes, p.Type) {
		return fmt.Errorf("param %q: unsupported type %q", p.Name, p.Type)
	}
	if p.Required && p.Default != nil {
		return fmt.Errorf("param %q: required params cannot have a default", p.Name)
	}
	if len(p.Enum) > 0 && p.Type != TypeString {
		return fmt.Errorf("param %q: enum is only supported for strings", p.Name)
	}
	return nil
}

// Args are bound tool arguments: declared params only, defaults applied and
// values coerced to their declared types (string, int, float64, bool,
// map[string]any or []string).
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns an integer argument or 0.
func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

// Float returns a number argument or 0.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns a boolean argument or false.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Map returns an object argument or nil.
func (a Args) Map(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return m
}

// Strings returns an array argument or nil.
func (a Args) Strings(name string) []string {
	s, _ := a[name].([]string)
	return s
}

// Has reports whether the argument was supplied or defaulted.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// bindArgs checks raw arguments against params. Null values count as absent.
func bindArgs(params []Param, raw map[string]any) (Args, error) {
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if !slices.ContainsFunc(params, func(p Param) bool { return p.Name == name }) {
			return nil, argumentErrorf(name, "unexpected argument %q", name)
		}
	}

	args := make(Args, len(params))
	for _, param := range params {
		value, present := raw[param.Name]
		if !present || value == nil {
			switch {
			case param.Required:
				return nil, argumentErrorf(param.Name, "missing required argument %q", param.Name)
			case param.Default != nil:
				value = param.Default
			default:
				continue
			}
		}
		coerced, err := coerceArg(param, value)
		if err != nil {
			return nil, err
		}
		args[param.Name] = coerced
	}
	return args, nil
}

func coerceArg(param Param, value any) (any, error) {
	mismatch := func() error {
		return argumentErrorf(param.Name, "argument %q must be %s, got %s", param.Name, article(param.Type), describe(value))
	}

	switch param.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}
		if param.Required && strings.TrimSpace(s) == "" {
			return nil, argumentErrorf(param.Name, "argument %q must not be empty", param.Name)
		}
		if len(param.Enum) > 0 && s != "" && !slices.Contains(param.Enum, s) {
			return nil, argumentErrorf(param.Name, "argument %q must be one of %s, got %q", param.Name, strings.Join(param.Enum, ", "), s)
		}
		return s, nil
	case TypeInteger:
		f, ok := numberValue(value)
		if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			return nil, mismatch()
		}
		return int(f), nil
	case TypeNumber:
		f, ok := numberValue(value)
		if !ok {
			return nil, mismatch()
		}
		return f, nil
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, mismatch()
			}
			return b, nil
		}
		return nil, mismatch()
	case TypeObject:
		switch v := value.(type) {
		case map[string]any:
			return v, nil
		case string:
			// Clients that cannot send nested objects pass them JSON-encoded.
			if strings.TrimSpace(v) == "" {
				return map[string]any{}, nil
			}
			var decoded map[string]any
			if err := json.Unmarshal([]byte(v), &decoded); err != nil {
				return nil, argumentErrorf(param.Name, "argument %q must be an object or a JSON-encoded object: %v", param.Name, err)
			}
			if decoded == nil {
				decoded = map[string]any{}
			}
			return decoded, nil
		}
		return nil, mismatch()
	case TypeArray:
		switch v := value.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for i, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, argumentErrorf(param.Name, "argument %q[%d] must be a string, got %s", param.Name, i, describe(item))
				}
				out = append(out, s)
			}
			return out, nil
		case string:
			trimmed := strings.TrimSpace(v)
			if strings.HasPrefix(trimmed, "[") {
				var out []string
				if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
					return nil, argumentErrorf(param.Name, "argument %q must be an array of strings: %v", param.Name, err)
				}
				return out, nil
			}
			var out []string
			for _, part := range strings.Split(trimmed, ",") {
				if clean := strings.TrimSpace(part); clean != "" {
					out = append(out, clean)
				}
			}
			return out, nil
		}
		return nil, mismatch()
	}
	return nil, argumentErrorf(param.Name, "argument %q has unsupported type %q", param.Name, param.Type)
}

func numberValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func article(typeName string) string {
	switch typeName {
	case TypeInteger, TypeObject, TypeArray:
		return "an " + typeName
	default:
		return "a " + typeName
	}
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any, []string:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}
