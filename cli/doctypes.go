package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewDocTypesCmd creates the "doctypes" command group.
func NewDocTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctypes",
		Short: "Inspect the DocTypes the store knows about",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and configured DocTypes",
		Args:  cobra.NoArgs,
		RunE:  runDocTypesList,
	})

	show := &cobra.Command{
		Use:   "show <doctype>",
		Short: "Print a DocType definition",
		Args:  cobra.ExactArgs(1),
		RunE:  runDocTypesShow,
	}
	show.Flags().Bool("json", false, "Print the definition as JSON")
	cmd.AddCommand(show)
	return cmd
}

func runDocTypesList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	schema, err := loadSchema(cfg)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tMODULE\tFIELDS\tLIST_FIELDS")
	for _, name := range schema.Names() {
		dt, _ := schema.Get(name)
		module := dt.Module
		if module == "" {
			module = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%d\t%s\n", dt.Name, module, len(dt.Fields), strings.Join(dt.DefaultListFields(), ","))
	}
	return writer.Flush()
}

func runDocTypesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	schema, err := loadSchema(cfg)
	if err != nil {
		return err
	}

	dt, ok := schema.Get(strings.TrimSpace(args[0]))
	if !ok {
		return exitError(exitValidation, "unknown doctype %q (known: %s)", args[0], strings.Join(schema.Names(), ", "))
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), dt)
	}
	data, err := yaml.Marshal(dt)
	if err != nil {
		return exitError(exitRuntime, "encoding doctype: %v", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
