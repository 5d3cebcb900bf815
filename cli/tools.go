package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/frappemcp/mcpclient"
	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

const tokenEnv = "FRAPPEMCP_TOKEN"

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tools this server exposes",
	}
	cmd.AddCommand(newToolsListCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools, locally or from a running server",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	addRemoteFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the list as JSON")
	return cmd
}

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Invoke a tool and print its result envelope",
		Long: "Invoke a tool and print its result envelope. Without --remote or --exec the tool " +
			"runs in-process against the configured store.",
		Args: cobra.ExactArgs(1),
		RunE: runCall,
	}
	addRemoteFlags(cmd)
	cmd.Flags().StringArray("input", nil, "Argument KEY=VALUE pair (repeatable)")
	cmd.Flags().String("input-json", "", "Arguments as a JSON object")
	cmd.Flags().String("as", "", "User the local call runs as (default: auth.default_user)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Call timeout")
	return cmd
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().String("remote", "", "MCP endpoint URL of a running server, e.g. http://127.0.0.1:8765/mcp")
	cmd.Flags().String("token", "", "API credentials key:secret for --remote (default: $"+tokenEnv+")")
	cmd.Flags().String("exec", "", "Command line of a stdio MCP server to spawn, e.g. \"frappemcp serve --stdio\"")
}

type toolSummary struct {
	Name        string   `json:"name"`
	ReadOnly    bool     `json:"read_only"`
	Required    []string `json:"required"`
	Description string   `json:"description"`
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	var summaries []toolSummary
	if isRemote(cmd) {
		client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer closeClient(client)
		tools, err := client.ListTools(cmd.Context())
		if err != nil {
			return exitError(exitUpstream, "listing tools: %v", err)
		}
		for _, t := range tools {
			summaries = append(summaries, toolSummary{Name: t.Name, ReadOnly: t.ReadOnly(), Required: t.Required(), Description: t.Description})
		}
	} else {
		// Definitions only; the handlers never run, so no store is opened.
		for _, t := range tool.Builtins(tool.Deps{}) {
			summaries = append(summaries, toolSummary{Name: t.Name, ReadOnly: t.ReadOnly, Required: requiredParams(t), Description: t.Description})
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), summaries)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tREAD_ONLY\tREQUIRED\tDESCRIPTION")
	for _, s := range summaries {
		required := strings.Join(s.Required, ",")
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(writer, "%s\t%t\t%s\t%s\n", s.Name, s.ReadOnly, required, firstSentence(s.Description))
	}
	return writer.Flush()
}

func runCall(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	inputs, err := parseCallInputs(cmd)
	if err != nil {
		return exitError(exitInputParse, "parsing inputs: %v", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var env tool.Envelope
	if isRemote(cmd) {
		env, err = callRemote(ctx, cmd, name, inputs)
	} else {
		env, err = callLocal(ctx, cmd, name, inputs)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return exitError(exitTimeout, "call timed out after %s", timeout)
		}
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), env); err != nil {
		return exitError(exitRuntime, "writing result: %v", err)
	}
	if !env.Success {
		return exitError(exitToolFailed, "%s: %s", name, env.Error)
	}
	return nil
}

func callLocal(ctx context.Context, cmd *cobra.Command, name string, inputs callInputs) (tool.Envelope, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return tool.Envelope{}, err
	}
	// Logs go to stderr so stdout stays a clean envelope.
	logger := newLogger(cmd, cfg.Log, cmd.ErrOrStderr())
	registry, store, err := buildRegistry(cmd, cfg, logger)
	if err != nil {
		return tool.Envelope{}, err
	}
	defer func() {
		_ = store.Close()
	}()

	t, _ := registry.Lookup(name)
	args := inputs.bind(func(param string) string {
		p, _ := t.Param(param)
		return p.Type
	})

	ctx = session.WithUser(ctx, resolveUser(cmd, cfg))
	env := registry.Dispatch(ctx, name, args)
	if err := ctx.Err(); err != nil && !env.Success {
		return tool.Envelope{}, err
	}
	return env, nil
}

func callRemote(ctx context.Context, cmd *cobra.Command, name string, inputs callInputs) (tool.Envelope, error) {
	client, err := connect(cmd)
	if err != nil {
		return tool.Envelope{}, err
	}
	defer closeClient(client)

	tools, err := client.ListTools(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return tool.Envelope{}, ctx.Err()
		}
		return tool.Envelope{}, exitError(exitUpstream, "listing tools: %v", err)
	}
	var remoteTool mcpclient.Tool
	for _, t := range tools {
		if t.Name == name {
			remoteTool = t
			break
		}
	}

	result, err := client.CallTool(ctx, name, inputs.bind(remoteTool.ParamType))
	if err != nil {
		if ctx.Err() != nil {
			return tool.Envelope{}, ctx.Err()
		}
		return tool.Envelope{}, exitError(exitUpstream, "calling %s: %v", name, err)
	}
	env, err := result.Envelope()
	if err != nil {
		return tool.Envelope{}, exitError(exitUpstream, "%v", err)
	}
	return env, nil
}

func isRemote(cmd *cobra.Command) bool {
	remote, _ := cmd.Flags().GetString("remote")
	execLine, _ := cmd.Flags().GetString("exec")
	return strings.TrimSpace(remote) != "" || strings.TrimSpace(execLine) != ""
}

// connect opens and initializes an MCP client for --remote or --exec.
func connect(cmd *cobra.Command) (*mcpclient.Client, error) {
	remote, _ := cmd.Flags().GetString("remote")
	execLine, _ := cmd.Flags().GetString("exec")
	remote = strings.TrimSpace(remote)
	execLine = strings.TrimSpace(execLine)
	if remote != "" && execLine != "" {
		return nil, exitError(exitInputParse, "cannot specify both --remote and --exec")
	}

	var transport mcpclient.Transport
	if remote != "" {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = os.Getenv(tokenEnv)
		}
		authorization := ""
		if token = strings.TrimSpace(token); token != "" {
			authorization = "token " + token
		}
		t, err := mcpclient.NewHTTPTransport(mcpclient.HTTPTransportConfig{
			Endpoint:      remote,
			Authorization: authorization,
			Timeout:       time.Minute,
		})
		if err != nil {
			return nil, exitError(exitInputParse, "%v", err)
		}
		transport = t
	} else {
		fields := strings.Fields(execLine)
		t, err := mcpclient.NewStdioTransport(cmd.Context(), mcpclient.StdioTransportConfig{
			Command: fields[0],
			Args:    fields[1:],
			Stderr:  cmd.ErrOrStderr(),
		})
		if err != nil {
			return nil, exitError(exitUpstream, "%v", err)
		}
		transport = t
	}

	client := mcpclient.NewClient(transport, mcpclient.Options{
		ClientInfo: mcpclient.Implementation{Name: "frappemcp-cli", Version: cmd.Root().Version},
	})
	if _, err := client.Initialize(cmd.Context()); err != nil {
		closeClient(client)
		var statusErr *mcpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == 401 {
			return nil, exitError(exitUpstream, "server rejected credentials; pass --token key:secret or set %s", tokenEnv)
		}
		return nil, exitError(exitUpstream, "connecting: %v", err)
	}
	return client, nil
}

// closeClient gives a spawned stdio server a moment to exit before it is killed.
func closeClient(client *mcpclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Close(ctx)
}

// callInputs are the raw --input pairs and the --input-json object of a call.
type callInputs struct {
	pairs [][2]string
	json  map[string]any
}

func parseCallInputs(cmd *cobra.Command) (callInputs, error) {
	var inputs callInputs
	rawPairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range rawPairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return callInputs{}, fmt.Errorf("invalid input %q, expected KEY=VALUE", pair)
		}
		inputs.pairs = append(inputs.pairs, [2]string{key, value})
	}

	inputJSON, _ := cmd.Flags().GetString("input-json")
	if strings.TrimSpace(inputJSON) == "" {
		return inputs, nil
	}
	if err := json.Unmarshal([]byte(inputJSON), &inputs.json); err != nil {
		return callInputs{}, err
	}
	return inputs, nil
}

// bind builds the call arguments. A KEY=VALUE value is parsed only when the
// tool declares a non-string type for KEY; --input-json values win.
func (in callInputs) bind(paramType func(name string) string) map[string]any {
	args := make(map[string]any, len(in.pairs)+len(in.json))
	for _, pair := range in.pairs {
		key, value := pair[0], pair[1]
		switch paramType(key) {
		case tool.TypeInteger, tool.TypeNumber, tool.TypeBoolean, tool.TypeObject, tool.TypeArray:
			args[key] = parsePrimitiveValue(value)
		default:
			args[key] = value
		}
	}
	for key, value := range in.json {
		args[key] = value
	}
	return args
}

func parsePrimitiveValue(value string) any {
	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "\"") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return value
}

func requiredParams(t tool.Tool) []string {
	var out []string
	for _, p := range t.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
