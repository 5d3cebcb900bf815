package tool

import (
	"context"

	"github.com/petal-labs/frappemcp/session"
)

func systemInfoTool(deps Deps) Tool {
	return Tool{
		Name:        "get_system_info",
		Description: "Get basic system information: the site name, the current user and the server version.",
		ReadOnly:    true,
		Handler: func(ctx context.Context, _ Args) (Envelope, error) {
			return Succeed(map[string]any{
				"site":    deps.Site,
				"user":    session.FromContext(ctx).Name,
				"version": deps.Version,
				// Frappe clients read frappe_version.
				"frappe_version": deps.Version,
			}), nil
		},
	}
}
