package docstore

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Standard fields present on every document.
const (
	FieldName       = "name"
	FieldOwner      = "owner"
	FieldCreation   = "creation"
	FieldModified   = "modified"
	FieldModifiedBy = "modified_by"
	FieldDocType    = "doctype"
	FieldDocStatus  = "docstatus"
)

// TimestampLayout is the layout used for creation/modified values.
const TimestampLayout = "2006-01-02 15:04:05.000000"

var standardFields = []string{
	FieldName,
	FieldOwner,
	FieldCreation,
	FieldModified,
	FieldModifiedBy,
	FieldDocType,
	FieldDocStatus,
}

// StandardListFields are always returned by a default listing.
var StandardListFields = []string{FieldName, FieldModified, FieldOwner}

// IsStandardField reports whether name is one of the fields every document carries.
func IsStandardField(name string) bool {
	return slices.Contains(standardFields, name)
}

// Document is one record: a map from field name to value.
type Document map[string]any

// Name returns the document identifier.
func (d Document) Name() string { return d.String(FieldName) }

// DocType returns the DocType the document belongs to.
func (d Document) DocType() string { return d.String(FieldDocType) }

// String returns a field formatted as a string; missing and nil values yield "".
func (d Document) String(field string) string {
	value, ok := d[field]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(maps.Clone(map[string]any(d)))
}

// Pick returns a document holding only the listed fields. Missing fields are set to nil.
func (d Document) Pick(fields []string) Document {
	if len(fields) == 0 {
		return d.Clone()
	}
	out := make(Document, len(fields))
	for _, field := range fields {
		out[field] = d[field]
	}
	return out
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
