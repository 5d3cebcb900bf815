package tool

import (
	"errors"

	"github.com/petal-labs/frappemcp/docstore"
)

// DefaultLimit is the listing size used when a caller gives none.
const DefaultLimit = 20

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Store docstore.Store
	// Site names the site in get_system_info.
	Site    string
	Version string
}

// Builtins returns the built-in tools in their registration order.
func Builtins(deps Deps) []Tool {
	return []Tool{
		listTodosTool(deps),
		createTodoTool(deps),
		listRecordsTool(deps),
		getRecordTool(deps),
		createRecordTool(deps),
		systemInfoTool(deps),
	}
}

// NewBuiltinRegistry returns a registry holding the built-in tools.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	if deps.Store == nil {
		return nil, errors.New("tool: a document store is required")
	}
	return NewRegistry(Builtins(deps)...)
}

func limitParam(what string) Param {
	return Param{
		Name:        "limit",
		Type:        TypeInteger,
		Description: "Maximum number of " + what + " to return.",
		Default:     DefaultLimit,
	}
}

func checkLimit(limit int) error {
	if limit < 0 {
		return argumentErrorf("limit", "argument %q must not be negative", "limit")
	}
	return nil
}
