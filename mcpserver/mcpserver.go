// Package mcpserver exposes a tool registry over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

// DefaultEndpointPath is where the streamable HTTP transport is mounted.
const DefaultEndpointPath = "/mcp"

const defaultInstructions = "Tools for reading and creating documents in a Frappe-style document store. " +
	"Every tool returns a JSON object with a boolean \"success\"; failures carry an \"error\" message."

// Config configures the MCP server.
type Config struct {
	Name         string
	Version      string
	Instructions string
	Registry     *tool.Registry
	Logger       *slog.Logger
}

// New builds an MCP server with one MCP tool per registry entry.
func New(cfg Config) (*server.MCPServer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("mcpserver: registry is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "frappemcp"
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := server.NewMCPServer(name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range cfg.Registry.Tools() {
		s.AddTool(Definition(t), handlerFor(cfg.Registry, t.Name))
	}
	logger.Debug("mcp server ready", "name", name, "tools", len(cfg.Registry.Tools()))
	return s, nil
}

// Definition converts a tool into its MCP description and input schema.
func Definition(t tool.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	if t.ReadOnly {
		opts = append(opts, mcp.WithReadOnlyHintAnnotation(true))
	} else {
		opts = append(opts,
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(false),
		)
	}
	for _, param := range t.Params {
		opts = append(opts, propertyOption(param))
	}
	return mcp.NewTool(t.Name, opts...)
}

func propertyOption(param tool.Param) mcp.ToolOption {
	props := []mcp.PropertyOption{mcp.Description(param.Description)}
	if param.Required {
		props = append(props, mcp.Required())
	}

	switch param.Type {
	case tool.TypeInteger, tool.TypeNumber:
		if f, ok := defaultNumber(param.Default); ok {
			props = append(props, mcp.DefaultNumber(f))
		}
		return mcp.WithNumber(param.Name, props...)
	case tool.TypeBoolean:
		if b, ok := param.Default.(bool); ok {
			props = append(props, mcp.DefaultBool(b))
		}
		return mcp.WithBoolean(param.Name, props...)
	case tool.TypeObject:
		return mcp.WithObject(param.Name, props...)
	case tool.TypeArray:
		props = append(props, mcp.Items(map[string]any{"type": "string"}))
		return mcp.WithArray(param.Name, props...)
	default:
		if s, ok := param.Default.(string); ok {
			props = append(props, mcp.DefaultString(s))
		}
		if len(param.Enum) > 0 {
			props = append(props, mcp.Enum(param.Enum...))
		}
		return mcp.WithString(param.Name, props...)
	}
}

func defaultNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// handlerFor routes an MCP tool call to Registry.Dispatch. The returned error
// is always nil: failures travel inside the envelope.
func handlerFor(registry *tool.Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return Result(registry.Dispatch(ctx, name, req.GetArguments())), nil
	}
}

// Result renders an envelope as MCP text content. isError mirrors a failed envelope.
func Result(env tool.Envelope) *mcp.CallToolResult {
	data, err := json.Marshal(env)
	if err != nil {
		env = tool.Fail(fmt.Sprintf("encode result: %v", err))
		data, _ = json.Marshal(env)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = !env.Success
	return result
}

// NewHTTPHandler serves s over the stateless streamable HTTP transport.
// The caller set on the request context (see session.WithUser) is passed to tools.
func NewHTTPHandler(s *server.MCPServer, endpointPath string) http.Handler {
	if strings.TrimSpace(endpointPath) == "" {
		endpointPath = DefaultEndpointPath
	}
	return server.NewStreamableHTTPServer(s,
		server.WithEndpointPath(endpointPath),
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user, ok := session.UserFromContext(r.Context()); ok {
				return session.WithUser(ctx, user)
			}
			return ctx
		}),
	)
}

// ServeStdio serves s over stdin/stdout until ctx is done or in is closed.
// Every call runs as user.
func ServeStdio(ctx context.Context, s *server.MCPServer, user session.User, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return session.WithUser(ctx, user)
	})
	logger.Info("serving mcp over stdio", "user", user.Name)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcpserver: stdio: %w", err)
	}
	return nil
}
