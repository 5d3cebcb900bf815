// Package cli implements the frappemcp command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "frappemcp",
		Short: "Frappe document store tools over MCP",
		Long: "frappemcp serves ToDo and generic document tools for a Frappe-style document store " +
			"over the Model Context Protocol, via streamable HTTP or stdio.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "Path to config file (default: ./frappemcp.yaml, then ~/.frappemcp/config.yaml)")
	root.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	root.PersistentFlags().Bool("quiet", false, "Suppress all log output except errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("frappemcp version %s\n", version))

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewHashSecretCmd())
	root.AddCommand(NewDocTypesCmd())
	return root
}
