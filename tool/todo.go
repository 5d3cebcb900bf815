package tool

import (
	"context"

	"github.com/petal-labs/frappemcp/docstore"
	"github.com/petal-labs/frappemcp/session"
)

const todoDocType = "ToDo"

var todoListFields = []string{"name", "description", "status", "priority", "date", "allocated_to"}

func listTodosTool(deps Deps) Tool {
	return Tool{
		Name: "list_todos",
		Description: `List ToDo items assigned to the current user, newest first.

Args:
    status: Only return ToDos with this status (Open, Closed or Cancelled).
    limit: Maximum number of ToDos to return (default 20).

Returns:
    count and todos, each with name, description, status, priority, date and allocated_to.`,
		Params: []Param{
			{
				Name:        "status",
				Type:        TypeString,
				Description: "Filter by status.",
				Enum:        []string{"Open", "Closed", "Cancelled"},
			},
			limitParam("ToDos"),
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args Args) (Envelope, error) {
			limit := args.Int("limit")
			if err := checkLimit(limit); err != nil {
				return Envelope{}, err
			}
			user := session.FromContext(ctx)
			filters := []docstore.Filter{{Field: "allocated_to", Op: docstore.OpEquals, Value: user.Name}}
			if status := args.String("status"); status != "" {
				filters = append(filters, docstore.Filter{Field: "status", Op: docstore.OpEquals, Value: status})
			}

			todos, err := deps.Store.GetAll(ctx, docstore.ListQuery{
				DocType: todoDocType,
				Fields:  todoListFields,
				Filters: filters,
				Limit:   limit,
				OrderBy: docstore.DefaultOrderBy,
			})
			if err != nil {
				return Envelope{}, err
			}
			if todos == nil {
				todos = []docstore.Document{}
			}
			return Succeed(map[string]any{
				"count": len(todos),
				"todos": todos,
			}), nil
		},
	}
}

func createTodoTool(deps Deps) Tool {
	return Tool{
		Name: "create_todo",
		Description: `Create a new ToDo item.

Args:
    description: What needs to be done (required).
    priority: Low, Medium or High (default Medium).
    date: Due date as YYYY-MM-DD.
    allocated_to: User the ToDo is assigned to (defaults to the current user).

Returns:
    name, description and status of the created ToDo.`,
		Params: []Param{
			{Name: "description", Type: TypeString, Description: "ToDo description.", Required: true},
			{
				Name:        "priority",
				Type:        TypeString,
				Description: "Priority level.",
				Default:     "Medium",
				Enum:        []string{"Low", "Medium", "High"},
			},
			{Name: "date", Type: TypeString, Description: "Due date (YYYY-MM-DD)."},
			{Name: "allocated_to", Type: TypeString, Description: "User to assign the ToDo to."},
		},
		Handler: func(ctx context.Context, args Args) (Envelope, error) {
			allocatedTo := args.String("allocated_to")
			if allocatedTo == "" {
				allocatedTo = session.FromContext(ctx).Name
			}
			fields := map[string]any{
				"description":  args.String("description"),
				"priority":     args.String("priority"),
				"allocated_to": allocatedTo,
			}
			if date := args.String("date"); date != "" {
				fields["date"] = date
			}

			doc, err := deps.Store.Insert(ctx, todoDocType, fields)
			if err != nil {
				return Envelope{}, err
			}
			return Succeed(map[string]any{
				"name":        doc.Name(),
				"description": doc.String("description"),
				"status":      doc.String("status"),
			}).WithMessage("ToDo created successfully"), nil
		},
	}
}
