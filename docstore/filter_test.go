package docstore

import (
	"reflect"
	"testing"
)

func TestParseFilters(t *testing.T) {
	filters, err := ParseFilters(map[string]any{
		"status":       "Open",
		"date":         []any{">=", "2024-01-01"},
		"priority":     []any{"in", "High, Low"},
		"allocated_to": nil,
		"description":  []any{"==", "x"},
	})
	if err != nil {
		t.Fatalf("ParseFilters() error = %v", err)
	}
	want := []Filter{
		{Field: "allocated_to", Op: OpIs, Value: "not set"},
		{Field: "date", Op: OpGreaterEqual, Value: "2024-01-01"},
		{Field: "description", Op: OpEquals, Value: "x"},
		{Field: "priority", Op: OpIn, Value: []any{"High", "Low"}},
		{Field: "status", Op: OpEquals, Value: "Open"},
	}
	if !reflect.DeepEqual(filters, want) {
		t.Fatalf("ParseFilters() = %#v, want %#v", filters, want)
	}
}

func TestParseFilters_Invalid(t *testing.T) {
	tests := map[string]any{
		"wrong arity":     []any{"="},
		"non-string op":   []any{1, "x"},
		"unknown op":      []any{"between", "x"},
		"nested object":   map[string]any{"a": 1},
		"bad is value":    []any{"is", "maybe"},
		"like non-string": []any{"like", 3.0},
		"in non-list":     []any{"in", 3.0},
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseFilters(map[string]any{"status": value}); err == nil {
				t.Fatalf("ParseFilters(%v) expected error", value)
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	doc := Document{
		"status":        "Open",
		"priority":      "High",
		"date":          "2024-02-10",
		"opening_stock": int64(12),
		"code":          "007",
		"description":   "Call the Supplier",
		"reference":     "",
	}
	tests := []struct {
		filter Filter
		want   bool
	}{
		{Filter{Field: "status", Op: OpEquals, Value: "Open"}, true},
		{Filter{Field: "status", Op: OpNotEquals, Value: "Open"}, false},
		{Filter{Field: "date", Op: OpGreater, Value: "2024-02-01"}, true},
		{Filter{Field: "date", Op: OpLessEqual, Value: "2024-02-10"}, true},
		{Filter{Field: "opening_stock", Op: OpGreater, Value: 9.0}, true},
		{Filter{Field: "opening_stock", Op: OpEquals, Value: "12"}, true},
		{Filter{Field: "code", Op: OpEquals, Value: "7"}, false},
		{Filter{Field: "description", Op: OpLike, Value: "%supplier"}, true},
		{Filter{Field: "description", Op: OpLike, Value: "call_the%"}, true},
		{Filter{Field: "description", Op: OpNotLike, Value: "%invoice%"}, true},
		{Filter{Field: "priority", Op: OpIn, Value: []any{"Low", "High"}}, true},
		{Filter{Field: "priority", Op: OpNotIn, Value: []any{"Low", "High"}}, false},
		{Filter{Field: "reference", Op: OpIs, Value: "not set"}, true},
		{Filter{Field: "missing", Op: OpIs, Value: "set"}, false},
		{Filter{Field: "missing", Op: OpGreater, Value: "a"}, false},
		{Filter{Field: "reference", Op: OpEquals, Value: nil}, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Match(doc); got != tt.want {
			t.Errorf("%+v.Match() = %v, want %v", tt.filter, got, tt.want)
		}
	}
}

func TestMatchAny_EmptyMatches(t *testing.T) {
	if !MatchAny(Document{}, nil) {
		t.Fatal("MatchAny(nil) = false, want true")
	}
	scope := []Filter{{Field: "owner", Op: OpEquals, Value: "a"}, {Field: "allocated_to", Op: OpEquals, Value: "a"}}
	if !MatchAny(Document{"owner": "b", "allocated_to": "a"}, scope) {
		t.Fatal("MatchAny() = false, want true")
	}
	if MatchAny(Document{"owner": "b"}, scope) {
		t.Fatal("MatchAny() = true, want false")
	}
}

func TestValidateFilters(t *testing.T) {
	schema := testSchema(t)
	todo, _ := schema.Get("ToDo")

	if err := ValidateFilters(todo, []Filter{{Field: "owner", Op: OpEquals, Value: "x"}}); err != nil {
		t.Fatalf("standard field rejected: %v", err)
	}
	err := ValidateFilters(todo, []Filter{{Field: "colour", Op: OpEquals, Value: "x"}})
	if err == nil || err.Error() != "ToDo: Field not permitted in query: colour" {
		t.Fatalf("ValidateFilters() error = %v", err)
	}
}
