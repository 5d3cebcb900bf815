package tool

import (
	"context"
	"fmt"
	"slices"

	"github.com/petal-labs/frappemcp/docstore"
)

func listRecordsTool(deps Deps) Tool {
	return Tool{
		Name: "list_records",
		Description: `List documents of any DocType the current user can read.

Args:
    doctype: Name of the DocType, e.g. "Customer" (required).
    filters: Field filters such as {"status": "Open"} or {"date": [">", "2024-01-01"]}.
        A JSON-encoded object is also accepted.
    limit: Maximum number of records to return (default 20).
    fields: Fields to return. Defaults to name, modified, owner and the DocType's list view fields.

Returns:
    doctype, count and data.`,
		Params: []Param{
			{Name: "doctype", Type: TypeString, Description: "DocType name.", Required: true},
			{Name: "filters", Type: TypeObject, Description: "Filters as field: value or field: [operator, value]."},
			limitParam("records"),
			{Name: "fields", Type: TypeArray, Description: "Fields to return."},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args Args) (Envelope, error) {
			limit := args.Int("limit")
			if err := checkLimit(limit); err != nil {
				return Envelope{}, err
			}
			meta, err := deps.Store.Meta(ctx, args.String("doctype"))
			if err != nil {
				return Envelope{}, err
			}
			filters, err := docstore.ParseFilters(args.Map("filters"))
			if err != nil {
				return Envelope{}, &ArgumentError{Param: "filters", Message: err.Error()}
			}

			fields := args.Strings("fields")
			if len(fields) == 0 {
				fields = meta.DefaultListFields()
			} else if !slices.Contains(fields, docstore.FieldName) {
				fields = append([]string{docstore.FieldName}, fields...)
			}

			data, err := deps.Store.GetAll(ctx, docstore.ListQuery{
				DocType: meta.Name,
				Fields:  fields,
				Filters: filters,
				Limit:   limit,
				OrderBy: docstore.DefaultOrderBy,
			})
			if err != nil {
				return Envelope{}, err
			}
			if data == nil {
				data = []docstore.Document{}
			}
			return Succeed(map[string]any{
				"doctype": meta.Name,
				"count":   len(data),
				"data":    data,
			}), nil
		},
	}
}

func getRecordTool(deps Deps) Tool {
	return Tool{
		Name: "get_record",
		Description: `Get a single document with all of its fields.

Args:
    doctype: Name of the DocType (required).
    name: Name (ID) of the document (required).

Returns:
    data, the document's full field map.`,
		Params: []Param{
			{Name: "doctype", Type: TypeString, Description: "DocType name.", Required: true},
			{Name: "name", Type: TypeString, Description: "Document name.", Required: true},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args Args) (Envelope, error) {
			doctype, name := args.String("doctype"), args.String("name")
			doc, err := deps.Store.GetDoc(ctx, doctype, name)
			if err != nil {
				return Envelope{}, err
			}
			allowed, err := deps.Store.HasPermission(ctx, doctype, name, docstore.PermRead)
			if err != nil {
				return Envelope{}, err
			}
			if !allowed {
				return Envelope{}, &docstore.PermissionError{DocType: doctype, Name: name, Perm: docstore.PermRead}
			}
			return Succeed(map[string]any{"data": doc}), nil
		},
	}
}

func createRecordTool(deps Deps) Tool {
	return Tool{
		Name: "create_record",
		Description: `Create a new document of any DocType.

Args:
    doctype: Name of the DocType (required).
    fields: Field values for the new document, e.g. {"customer_name": "Acme"} (required).
        Values must be strings, numbers, booleans or null. A JSON-encoded object is also accepted.

Returns:
    name and doctype of the created document.`,
		Params: []Param{
			{Name: "doctype", Type: TypeString, Description: "DocType name.", Required: true},
			{Name: "fields", Type: TypeObject, Description: "Field values.", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (Envelope, error) {
			fields := args.Map("fields")
			if len(fields) == 0 {
				return Envelope{}, &ArgumentError{Param: "fields", Message: `argument "fields" must not be empty`}
			}
			meta, err := deps.Store.Meta(ctx, args.String("doctype"))
			if err != nil {
				return Envelope{}, err
			}
			if err := docstore.CheckFieldValues(meta, fields); err != nil {
				return Envelope{}, err
			}

			doc, err := deps.Store.Insert(ctx, meta.Name, fields)
			if err != nil {
				return Envelope{}, err
			}
			return Succeed(map[string]any{
				"name":    doc.Name(),
				"doctype": meta.Name,
			}).WithMessage(fmt.Sprintf("%s %s created successfully", meta.Name, doc.Name())), nil
		},
	}
}
