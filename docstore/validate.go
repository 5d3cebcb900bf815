package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
)

// Kind is the tagged kind of a free-form field value.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindNull   Kind = "null"
)

// KindOf returns the tagged kind of value, or false when value is not a scalar
// (objects, arrays and other Go types are rejected).
func KindOf(value any) (Kind, bool) {
	switch value.(type) {
	case nil:
		return KindNull, true
	case string:
		return KindString, true
	case bool:
		return KindBool, true
	case float64, float32, int, int32, int64, json.Number:
		return KindNumber, true
	default:
		return "", false
	}
}

// CheckFieldValues validates a free-form field map against meta before it is
// sent to a store: every key must be a declared field (or "name") and every
// value a string, number, boolean or null compatible with the field type.
// Values of field types it does not know are left for the store to judge.
func CheckFieldValues(meta DocType, fields map[string]any) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		value := fields[name]
		kind, ok := KindOf(value)
		if !ok {
			return validationErrorf(meta.Name, name, "Field %s: unsupported value of type %T", name, value)
		}
		if name == FieldName {
			if kind != KindString && kind != KindNull {
				return validationErrorf(meta.Name, name, "Field name must be a string")
			}
			continue
		}
		if IsStandardField(name) {
			return validationErrorf(meta.Name, name, "Field %s cannot be set", name)
		}
		field, ok := meta.Field(name)
		if !ok {
			return validationErrorf(meta.Name, name, "Field %s does not exist", name)
		}
		if kind == KindNull {
			continue
		}
		if !kindAccepted(field.Type, kind) {
			return validationErrorf(meta.Name, name, "Field %s expects %s, got %s", field.DisplayName(), field.Type, kind)
		}
	}
	return nil
}

func kindAccepted(fieldType FieldType, kind Kind) bool {
	switch {
	case fieldType.Numeric():
		return kind == KindNumber || kind == KindString
	case fieldType == FieldCheck:
		return kind == KindBool || kind == KindNumber
	case fieldType.Textual():
		return kind == KindString
	default:
		return true
	}
}

// prepareInsert builds the document a local store persists: defaults applied,
// values normalized to their field types, required fields checked, naming and
// standard fields set.
func prepareInsert(meta DocType, fields map[string]any, user string, now time.Time) (Document, error) {
	if err := CheckFieldValues(meta, fields); err != nil {
		return nil, err
	}

	doc := make(Document, len(meta.Fields)+len(standardFields))
	for _, field := range meta.Fields {
		value, present := fields[field.Name]
		if !present || isEmpty(value) {
			if field.Default == "" {
				if present {
					doc[field.Name] = nil
				}
				continue
			}
			value = resolveDefault(field, now)
		}
		normalized, err := normalizeValue(meta.Name, field, value)
		if err != nil {
			return nil, err
		}
		doc[field.Name] = normalized
	}

	for _, field := range meta.Fields {
		if field.Required && isEmpty(doc[field.Name]) {
			return nil, validationErrorf(meta.Name, field.Name, "Value missing for %s: %s", meta.Name, field.DisplayName())
		}
	}

	name, err := newDocumentName(meta, doc, fields)
	if err != nil {
		return nil, err
	}
	stamp := formatTimestamp(now)
	doc[FieldName] = name
	doc[FieldDocType] = meta.Name
	doc[FieldOwner] = user
	doc[FieldModifiedBy] = user
	doc[FieldCreation] = stamp
	doc[FieldModified] = stamp
	doc[FieldDocStatus] = 0
	return doc, nil
}

func resolveDefault(field Field, now time.Time) any {
	switch {
	case field.Type == FieldDate && strings.EqualFold(field.Default, "today"):
		return now.UTC().Format(dateLayout)
	case field.Type == FieldDatetime && strings.EqualFold(field.Default, "now"):
		return now.UTC().Format(datetimeLayout)
	default:
		return field.Default
	}
}

func normalizeValue(doctype string, field Field, value any) (any, error) {
	invalid := func(format string, args ...any) error {
		return validationErrorf(doctype, field.Name, "%s: "+format, append([]any{field.DisplayName()}, args...)...)
	}

	switch field.Type {
	case FieldInt:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return nil, invalid("%v is not an integer", value)
		}
		return int64(f), nil
	case FieldFloat, FieldCurrency, FieldPercent, FieldRating, FieldDuration:
		f, ok := toFloat(value)
		if !ok {
			return nil, invalid("%v is not a number", value)
		}
		return f, nil
	case FieldCheck:
		switch v := value.(type) {
		case bool:
			if v {
				return 1, nil
			}
			return 0, nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || (n != 0 && n != 1) {
				return nil, invalid("%q is not 0 or 1", v)
			}
			return n, nil
		default:
			f, ok := toFloat(value)
			if !ok || (f != 0 && f != 1) {
				return nil, invalid("%v is not 0 or 1", value)
			}
			return int(f), nil
		}
	}

	s, ok := value.(string)
	if !ok {
		return nil, invalid("expected text, got %T", value)
	}
	switch field.Type {
	case FieldSelect:
		options := field.SelectOptions()
		if !slices.Contains(options, s) {
			return nil, invalid("%q must be one of %s", s, strings.Join(options, ", "))
		}
	case FieldDate:
		if _, err := time.Parse(dateLayout, s); err != nil {
			return nil, invalid("%q is not a date (YYYY-MM-DD)", s)
		}
	case FieldDatetime:
		if _, err := time.Parse(datetimeLayout, s); err != nil {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return nil, invalid("%q is not a datetime (YYYY-MM-DD HH:MM:SS)", s)
			}
		}
	}
	return s, nil
}

func newDocumentName(meta DocType, doc Document, fields map[string]any) (string, error) {
	if explicit, _ := fields[FieldName].(string); strings.TrimSpace(explicit) != "" {
		return strings.TrimSpace(explicit), nil
	}
	naming := strings.TrimSpace(meta.Naming)
	switch {
	case strings.HasPrefix(naming, namingField):
		fieldName := strings.TrimPrefix(naming, namingField)
		name := strings.TrimSpace(doc.String(fieldName))
		if name == "" {
			field, _ := meta.Field(fieldName)
			return "", validationErrorf(meta.Name, fieldName, "%s is required to name the document", field.DisplayName())
		}
		return name, nil
	case naming == NamingPrompt:
		return "", validationErrorf(meta.Name, FieldName, "Name is required")
	default:
		return hashName(), nil
	}
}

// hashName returns a random 10 character document name.
func hashName() string {
	return fmt.Sprintf("%.10s", strings.ReplaceAll(uuid.NewString(), "-", ""))
}
