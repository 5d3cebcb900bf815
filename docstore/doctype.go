package docstore

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FieldType is the data type of a DocType field.
type FieldType string

const (
	FieldData       FieldType = "Data"
	FieldText       FieldType = "Text"
	FieldSmallText  FieldType = "Small Text"
	FieldLongText   FieldType = "Long Text"
	FieldTextEditor FieldType = "Text Editor"
	FieldSelect     FieldType = "Select"
	FieldLink       FieldType = "Link"
	FieldDate       FieldType = "Date"
	FieldDatetime   FieldType = "Datetime"
	FieldInt        FieldType = "Int"
	FieldFloat      FieldType = "Float"
	FieldCurrency   FieldType = "Currency"
	FieldCheck      FieldType = "Check"
	FieldPercent    FieldType = "Percent"
	FieldRating     FieldType = "Rating"
	// FieldDuration holds a number of seconds.
	FieldDuration FieldType = "Duration"
)

var (
	textFieldTypes = []FieldType{
		FieldData, FieldText, FieldSmallText, FieldLongText, FieldTextEditor,
		FieldSelect, FieldLink, FieldDate, FieldDatetime,
	}
	numericFieldTypes = []FieldType{
		FieldInt, FieldFloat, FieldCurrency, FieldPercent, FieldRating, FieldDuration,
	}
	knownFieldTypes = slices.Concat(textFieldTypes, numericFieldTypes, []FieldType{FieldCheck})
)

// Numeric reports whether values of this type are stored as numbers.
func (t FieldType) Numeric() bool {
	return slices.Contains(numericFieldTypes, t)
}

// Textual reports whether values of this type are stored as strings.
func (t FieldType) Textual() bool {
	return slices.Contains(textFieldTypes, t)
}

// Naming rules understood by the local stores.
const (
	NamingHash   = "hash"
	NamingPrompt = "prompt"
	namingField  = "field:"
)

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Field describes one DocType field.
type Field struct {
	Name       string    `yaml:"fieldname" json:"fieldname"`
	Label      string    `yaml:"label,omitempty" json:"label,omitempty"`
	Type       FieldType `yaml:"fieldtype" json:"fieldtype"`
	Options    string    `yaml:"options,omitempty" json:"options,omitempty"`
	Required   bool      `yaml:"reqd,omitempty" json:"reqd,omitempty"`
	Default    string    `yaml:"default,omitempty" json:"default,omitempty"`
	InListView bool      `yaml:"in_list_view,omitempty" json:"in_list_view,omitempty"`
}

// DisplayName returns the label, falling back to the field name.
func (f Field) DisplayName() string {
	if strings.TrimSpace(f.Label) != "" {
		return f.Label
	}
	return f.Name
}

// SelectOptions returns the allowed values of a Select field.
func (f Field) SelectOptions() []string {
	if f.Type != FieldSelect {
		return nil
	}
	var out []string
	for _, line := range strings.Split(f.Options, "\n") {
		if clean := strings.TrimSpace(line); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}

// Permission is one role permission rule of a DocType.
type Permission struct {
	Role    string `yaml:"role" json:"role"`
	Read    bool   `yaml:"read,omitempty" json:"read,omitempty"`
	Write   bool   `yaml:"write,omitempty" json:"write,omitempty"`
	Create  bool   `yaml:"create,omitempty" json:"create,omitempty"`
	Delete  bool   `yaml:"delete,omitempty" json:"delete,omitempty"`
	IfOwner bool   `yaml:"if_owner,omitempty" json:"if_owner,omitempty"`
}

func (p Permission) grants(perm PermType) bool {
	switch perm {
	case PermRead:
		return p.Read
	case PermWrite:
		return p.Write
	case PermCreate:
		return p.Create
	case PermDelete:
		return p.Delete
	default:
		return false
	}
}

// DocType is the schema of a collection of documents.
type DocType struct {
	Name        string       `yaml:"name" json:"name"`
	Module      string       `yaml:"module,omitempty" json:"module,omitempty"`
	Naming      string       `yaml:"autoname,omitempty" json:"autoname,omitempty"`
	Fields      []Field      `yaml:"fields" json:"fields"`
	ListFields  []string     `yaml:"list_fields,omitempty" json:"list_fields,omitempty"`
	OwnerFields []string     `yaml:"owner_fields,omitempty" json:"owner_fields,omitempty"`
	Permissions []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Field looks up a declared (non-standard) field.
func (d DocType) Field(name string) (Field, bool) {
	for _, field := range d.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// HasField reports whether name is a declared or standard field.
func (d DocType) HasField(name string) bool {
	if IsStandardField(name) {
		return true
	}
	_, ok := d.Field(name)
	return ok
}

// DefaultListFields returns the fields returned by a listing that names none:
// name, modified and owner followed by list_fields (or the in_list_view fields).
func (d DocType) DefaultListFields() []string {
	extra := d.ListFields
	if len(extra) == 0 {
		for _, field := range d.Fields {
			if field.InListView {
				extra = append(extra, field.Name)
			}
		}
	}
	out := slices.Clone(StandardListFields)
	for _, name := range extra {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func (d DocType) ownerFields() []string {
	if len(d.OwnerFields) == 0 {
		return []string{FieldOwner}
	}
	return d.OwnerFields
}

// Validate checks the DocType definition itself.
func (d DocType) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("doctype name is required"))
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for i, field := range d.Fields {
		switch {
		case !fieldNamePattern.MatchString(field.Name):
			errs = append(errs, fmt.Errorf("%s: fields[%d]: invalid fieldname %q", d.Name, i, field.Name))
		case IsStandardField(field.Name):
			errs = append(errs, fmt.Errorf("%s: fields[%d]: %q is a standard field", d.Name, i, field.Name))
		}
		if _, dup := seen[field.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate field %q", d.Name, field.Name))
		}
		seen[field.Name] = struct{}{}
		if !slices.Contains(knownFieldTypes, field.Type) {
			errs = append(errs, fmt.Errorf("%s: field %q: unsupported fieldtype %q", d.Name, field.Name, field.Type))
		}
		if field.Type == FieldSelect && len(field.SelectOptions()) == 0 {
			errs = append(errs, fmt.Errorf("%s: select field %q has no options", d.Name, field.Name))
		}
	}
	for _, name := range append(slices.Clone(d.ListFields), d.OwnerFields...) {
		if !d.HasField(name) {
			errs = append(errs, fmt.Errorf("%s: unknown field %q in list/owner fields", d.Name, name))
		}
	}
	switch naming := strings.TrimSpace(d.Naming); {
	case naming == "", naming == NamingHash, naming == NamingPrompt:
	case strings.HasPrefix(naming, namingField):
		if _, ok := d.Field(strings.TrimPrefix(naming, namingField)); !ok {
			errs = append(errs, fmt.Errorf("%s: autoname refers to unknown field %q", d.Name, naming))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unsupported autoname %q", d.Name, naming))
	}
	return errors.Join(errs...)
}

//go:embed builtin_doctypes.yaml
var builtinDocTypesYAML []byte

type docTypeFile struct {
	DocTypes []DocType `yaml:"doctypes"`
}

// ParseDocTypes decodes a YAML document holding a top-level "doctypes" list.
func ParseDocTypes(data []byte) ([]DocType, error) {
	var file docTypeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("docstore: parse doctypes: %w", err)
	}
	for _, dt := range file.DocTypes {
		if err := dt.Validate(); err != nil {
			return nil, fmt.Errorf("docstore: invalid doctype: %w", err)
		}
	}
	return file.DocTypes, nil
}

// Schema is a concurrency-safe set of DocTypes known to a local store.
type Schema struct {
	mu       sync.RWMutex
	doctypes map[string]DocType
}

// NewSchema builds a schema from doctypes.
func NewSchema(doctypes ...DocType) (*Schema, error) {
	s := &Schema{doctypes: make(map[string]DocType, len(doctypes))}
	for _, dt := range doctypes {
		if err := s.Add(dt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// BuiltinSchema returns a schema holding the bundled DocTypes
// (ToDo, Note, Customer, Item, User).
func BuiltinSchema() (*Schema, error) {
	doctypes, err := ParseDocTypes(builtinDocTypesYAML)
	if err != nil {
		return nil, err
	}
	return NewSchema(doctypes...)
}

// Add inserts or replaces a DocType.
func (s *Schema) Add(dt DocType) error {
	if err := dt.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doctypes[dt.Name] = dt
	return nil
}

// LoadFile adds every DocType declared in a YAML file.
func (s *Schema) LoadFile(path string) error {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("docstore: reading doctypes %q: %w", path, err)
	}
	doctypes, err := ParseDocTypes(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, dt := range doctypes {
		if err := s.Add(dt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named DocType.
func (s *Schema) Get(name string) (DocType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dt, ok := s.doctypes[name]
	return dt, ok
}

// Names returns all DocType names in sorted order.
func (s *Schema) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.doctypes))
	for name := range s.doctypes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Schema) meta(doctype string) (DocType, error) {
	if s == nil {
		return DocType{}, &NotFoundError{DocType: doctype}
	}
	dt, ok := s.Get(doctype)
	if !ok {
		return DocType{}, &NotFoundError{DocType: doctype}
	}
	return dt, nil
}
