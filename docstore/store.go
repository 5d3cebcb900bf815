package docstore

import (
	"context"
	"fmt"
	"strings"
)

// DefaultOrderBy sorts listings newest first.
const DefaultOrderBy = "modified desc"

// ListQuery selects documents of one DocType.
type ListQuery struct {
	DocType string
	// Fields to return; empty returns every field.
	Fields  []string
	Filters []Filter
	// Limit caps the number of documents; zero or less returns all.
	Limit int
	// OrderBy is "<field> [asc|desc]"; empty means DefaultOrderBy.
	OrderBy string
}

// Store is a document store. Implementations read the caller from the context
// (session.FromContext) for ownership and permission decisions.
type Store interface {
	// Meta returns the DocType definition; a missing DocType is a NotFoundError.
	Meta(ctx context.Context, doctype string) (DocType, error)
	// GetAll lists documents the caller may read.
	GetAll(ctx context.Context, q ListQuery) ([]Document, error)
	// GetDoc loads one document without checking permissions.
	GetDoc(ctx context.Context, doctype, name string) (Document, error)
	// Insert validates and creates a document owned by the caller.
	Insert(ctx context.Context, doctype string, fields map[string]any) (Document, error)
	// HasPermission checks perm on a document, or on the DocType when name is empty.
	HasPermission(ctx context.Context, doctype, name string, perm PermType) (bool, error)
	Close() error
}

type orderClause struct {
	field string
	desc  bool
}

func parseOrderBy(meta DocType, orderBy string) (orderClause, error) {
	clean := strings.TrimSpace(orderBy)
	if clean == "" {
		clean = DefaultOrderBy
	}
	parts := strings.Fields(clean)
	if len(parts) > 2 {
		return orderClause{}, validationErrorf(meta.Name, "", "invalid order_by %q", orderBy)
	}
	clause := orderClause{field: parts[0]}
	if len(parts) == 2 {
		switch strings.ToLower(parts[1]) {
		case "asc":
		case "desc":
			clause.desc = true
		default:
			return orderClause{}, validationErrorf(meta.Name, "", "invalid sort direction %q", parts[1])
		}
	}
	if !meta.HasField(clause.field) {
		return orderClause{}, validationErrorf(meta.Name, clause.field, "Field not permitted in query: %s", clause.field)
	}
	return clause, nil
}

func validateQueryFields(meta DocType, fields []string) error {
	for _, field := range fields {
		if !meta.HasField(field) {
			return validationErrorf(meta.Name, field, "Field not permitted in query: %s", field)
		}
	}
	return nil
}

// checkQuery validates a listing against its DocType and returns the parsed order.
func checkQuery(meta DocType, q ListQuery) (orderClause, error) {
	if err := validateQueryFields(meta, q.Fields); err != nil {
		return orderClause{}, err
	}
	if err := ValidateFilters(meta, q.Filters); err != nil {
		return orderClause{}, err
	}
	return parseOrderBy(meta, q.OrderBy)
}

func requireName(doctype, name string) error {
	if strings.TrimSpace(doctype) == "" {
		return fmt.Errorf("docstore: doctype is required")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("docstore: %s name is required", doctype)
	}
	return nil
}
