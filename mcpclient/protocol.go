package mcpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/frappemcp/tool"
)

const (
	jsonRPCVersion = "2.0"
)

// Message is a JSON-RPC 2.0 envelope. Requests and responses share it; a
// message with a method and no id is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcpclient: rpc error %d: %s", e.Code, e.Message)
}

// RequestError wraps a failed request with the method that was called.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcpclient: %s: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Implementation names either side of a session.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// InitializeResult is the server's answer to initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// ToolAnnotations carries the behavioural hints a server attaches to a tool.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
}

// Tool is one entry of tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema map[string]any  `json:"inputSchema,omitempty"`
	Annotations ToolAnnotations `json:"annotations,omitempty"`
}

// ReadOnly reports the server's read-only hint, false when absent.
func (t Tool) ReadOnly() bool {
	return t.Annotations.ReadOnlyHint != nil && *t.Annotations.ReadOnlyHint
}

// Required lists the tool's required argument names.
func (t Tool) Required() []string {
	raw, _ := t.InputSchema["required"].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if name, ok := item.(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// ParamType returns the JSON schema type declared for argument name, or ""
// when the schema does not declare one.
func (t Tool) ParamType(name string) string {
	properties, _ := t.InputSchema["properties"].(map[string]any)
	property, _ := properties[name].(map[string]any)
	typ, _ := property["type"].(string)
	return typ
}

type toolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentBlock is one content item of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is returned by tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the text content blocks.
func (r CallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Envelope decodes the result text as a tool envelope.
func (r CallResult) Envelope() (tool.Envelope, error) {
	text := strings.TrimSpace(r.Text())
	if text == "" {
		return tool.Envelope{}, errors.New("mcpclient: tool result has no text content")
	}
	var env tool.Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return tool.Envelope{}, fmt.Errorf("mcpclient: decode envelope: %w", err)
	}
	return env, nil
}
