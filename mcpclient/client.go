// Package mcpclient is a small JSON-RPC client for MCP servers, used by the
// CLI to talk to a running frappemcp instance over HTTP or a stdio subprocess.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
)

const (
	defaultProtocolVersion = "2025-03-26"
	defaultClientName      = "frappemcp"
	defaultClientVersion   = "dev"
)

// Transport moves JSON-RPC messages between the client and a server.
type Transport interface {
	Send(ctx context.Context, message Message) error
	Receive(ctx context.Context) (Message, error)
	Close(ctx context.Context) error
}

// Options configures client identity and capabilities.
type Options struct {
	ProtocolVersion string
	ClientInfo      Implementation
	Capabilities    map[string]any
}

// Client is a JSON-RPC based MCP client. Calls are serialized: one request
// is in flight at a time.
type Client struct {
	transport Transport
	options   Options

	callMu sync.Mutex

	mu          sync.Mutex
	nextID      int64
	initialized bool
	initResult  InitializeResult
}

// NewClient returns a client for transport.
func NewClient(transport Transport, options Options) *Client {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}

	return &Client{
		transport: transport,
		options:   options,
		nextID:    1,
	}
}

// Initialize performs the initialize handshake once and caches the result.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	if c == nil {
		return InitializeResult{}, errors.New("mcpclient: client is nil")
	}

	c.mu.Lock()
	alreadyInitialized := c.initialized
	cachedResult := c.initResult
	c.mu.Unlock()
	if alreadyInitialized {
		return cachedResult, nil
	}

	capabilities := maps.Clone(c.options.Capabilities)
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	params := initializeParams{
		ProtocolVersion: c.options.ProtocolVersion,
		Capabilities:    capabilities,
		ClientInfo:      c.options.ClientInfo,
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return InitializeResult{}, err
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, &RequestError{Method: "notifications/initialized", Err: err}
	}

	c.mu.Lock()
	c.initialized = true
	c.initResult = result
	c.mu.Unlock()

	return result, nil
}

// ListTools returns every tool the server advertises, following pagination
// cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var page toolsListResult
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	var result CallResult
	if err := c.call(ctx, "tools/call", toolsCallParams{Name: name, Arguments: arguments}, &result); err != nil {
		return CallResult{}, err
	}
	return result, nil
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close closes the transport.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.transport == nil {
		return nil
	}
	return c.transport.Close(ctx)
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c == nil || c.transport == nil {
		return &RequestError{Method: method, Err: errors.New("transport is nil")}
	}

	paramsRaw, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextRequestID()
	request := Message{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsRaw,
	}
	if err := c.transport.Send(ctx, request); err != nil {
		return &RequestError{Method: method, Err: err}
	}

	for {
		response, err := c.transport.Receive(ctx)
		if err != nil {
			return &RequestError{Method: method, Err: err}
		}
		if response.JSONRPC != "" && response.JSONRPC != jsonRPCVersion {
			return &RequestError{Method: method, Err: fmt.Errorf("unsupported jsonrpc version %q", response.JSONRPC)}
		}

		// Server notifications and stale responses are skipped.
		if response.ID == 0 || response.ID != id {
			continue
		}

		if response.Error != nil {
			return &RequestError{Method: method, Err: response.Error}
		}
		if out == nil || len(response.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(response.Result, out); err != nil {
			return &RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	}
}

func (c *Client) notify(ctx context.Context, method string) error {
	return c.transport.Send(ctx, Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
	})
}

func (c *Client) nextRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
