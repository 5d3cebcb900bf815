package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

type mockTransport struct {
	mu            sync.Mutex
	closed        bool
	sendErr       error
	responses     []Message
	notifications []Message
	requests      []Message
	handler       func(req Message) []Message
}

func (m *mockTransport) Send(ctx context.Context, message Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if message.Method != "" && message.ID == 0 {
		m.notifications = append(m.notifications, message)
		return nil
	}

	m.requests = append(m.requests, message)
	if m.handler != nil {
		m.responses = append(m.responses, m.handler(message)...)
	}
	return nil
}

func (m *mockTransport) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.responses) == 0 {
		return Message{}, errors.New("mock transport: no queued responses")
	}
	response := m.responses[0]
	m.responses = m.responses[1:]
	return response, nil
}

func (m *mockTransport) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func reply(t *testing.T, req Message, result any) []Message {
	t.Helper()
	return []Message{{JSONRPC: jsonRPCVersion, ID: req.ID, Result: mustJSON(t, result)}}
}

func TestClientInitialize(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			if req.Method != "initialize" {
				return []Message{{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: -32601, Message: "method not found"}}}
			}
			params := decodeParams(t, req.Params)
			if params["protocolVersion"] != "2026-01-01" {
				t.Errorf("protocolVersion = %v, want 2026-01-01", params["protocolVersion"])
			}
			if _, ok := params["capabilities"].(map[string]any); !ok {
				t.Errorf("capabilities = %v, want an object", params["capabilities"])
			}
			clientInfo, _ := params["clientInfo"].(map[string]any)
			if clientInfo["name"] != "frappemcp-test" {
				t.Errorf("clientInfo.name = %v, want frappemcp-test", clientInfo["name"])
			}
			return reply(t, req, InitializeResult{
				ProtocolVersion: "2026-01-01",
				ServerInfo:      Implementation{Name: "frappemcp", Version: "1.0.0"},
				Instructions:    "Use list_records for browsing.",
			})
		},
	}

	client := NewClient(transport, Options{
		ProtocolVersion: "2026-01-01",
		ClientInfo:      Implementation{Name: "frappemcp-test", Version: "0.1.0"},
	})

	result, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if result.ServerInfo.Name != "frappemcp" {
		t.Fatalf("ServerInfo.Name = %q, want frappemcp", result.ServerInfo.Name)
	}
	if result.Instructions == "" {
		t.Fatal("Instructions is empty")
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.notifications) != 1 || transport.notifications[0].Method != "notifications/initialized" {
		t.Fatalf("notifications = %+v, want one notifications/initialized", transport.notifications)
	}
}

func TestClientInitializeIsIdempotent(t *testing.T) {
	calls := 0
	transport := &mockTransport{
		handler: func(req Message) []Message {
			calls++
			return reply(t, req, InitializeResult{ServerInfo: Implementation{Name: "frappemcp"}})
		},
	}

	client := NewClient(transport, Options{})
	for range 2 {
		if _, err := client.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("initialize call count = %d, want 1", calls)
	}
}

func TestClientListToolsFollowsCursor(t *testing.T) {
	readOnly := true
	transport := &mockTransport{
		handler: func(req Message) []Message {
			params := decodeParams(t, req.Params)
			if params["cursor"] == nil {
				return reply(t, req, toolsListResult{
					Tools: []Tool{{
						Name:        "list_todos",
						InputSchema: map[string]any{"type": "object", "required": []any{}},
						Annotations: ToolAnnotations{ReadOnlyHint: &readOnly},
					}},
					NextCursor: "page-2",
				})
			}
			return reply(t, req, toolsListResult{
				Tools: []Tool{{
					Name:        "create_todo",
					InputSchema: map[string]any{"type": "object", "required": []any{"description"}},
				}},
			})
		},
	}

	client := NewClient(transport, Options{})
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if !tools[0].ReadOnly() || tools[1].ReadOnly() {
		t.Fatalf("ReadOnly() = %v/%v, want true/false", tools[0].ReadOnly(), tools[1].ReadOnly())
	}
	if got := tools[1].Required(); len(got) != 1 || got[0] != "description" {
		t.Fatalf("Required() = %v, want [description]", got)
	}
}

func TestClientCallToolSkipsNotifications(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			params := decodeParams(t, req.Params)
			if params["name"] != "get_record" {
				t.Errorf("params.name = %v, want get_record", params["name"])
			}
			args, _ := params["arguments"].(map[string]any)
			if args["doctype"] != "Customer" {
				t.Errorf("arguments.doctype = %v, want Customer", args["doctype"])
			}
			progress := Message{JSONRPC: jsonRPCVersion, Method: "notifications/progress"}
			stale := Message{JSONRPC: jsonRPCVersion, ID: req.ID + 100, Result: mustJSON(t, map[string]any{})}
			return append([]Message{progress, stale}, reply(t, req, CallResult{
				Content: []ContentBlock{{Type: "text", Text: `{"success":true,"data":{"name":"CUST-1"}}`}},
			})...)
		},
	}

	client := NewClient(transport, Options{})
	result, err := client.CallTool(context.Background(), "get_record", map[string]any{"doctype": "Customer", "name": "CUST-1"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	env, err := result.Envelope()
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	if !env.Success {
		t.Fatalf("Success = false, error %q", env.Error)
	}
	data, _ := env.Payload["data"].(map[string]any)
	if data["name"] != "CUST-1" {
		t.Fatalf("data.name = %v, want CUST-1", data["name"])
	}
}

func TestCallResultEnvelopeErrors(t *testing.T) {
	tests := []struct {
		name   string
		result CallResult
	}{
		{name: "no text", result: CallResult{Content: []ContentBlock{{Type: "image", Data: "AAAA"}}}},
		{name: "not json", result: CallResult{Content: []ContentBlock{{Type: "text", Text: "boom"}}}},
		{name: "broken invariant", result: CallResult{Content: []ContentBlock{{Type: "text", Text: `{"success":false}`}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.result.Envelope(); err == nil {
				t.Fatal("Envelope() error = nil, want non-nil")
			}
		})
	}
}

func TestClientRPCError(t *testing.T) {
	transport := &mockTransport{
		handler: func(req Message) []Message {
			return []Message{{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: -32602, Message: "tool not found"}}}
		},
	}

	client := NewClient(transport, Options{})
	_, err := client.CallTool(context.Background(), "nope", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Method != "tools/call" {
		t.Fatalf("error = %v, want *RequestError for tools/call", err)
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Fatalf("error does not wrap *RPCError -32602: %v", err)
	}
}

func TestClientSendError(t *testing.T) {
	transport := &mockTransport{sendErr: errors.New("connection refused")}
	client := NewClient(transport, Options{})
	if err := client.Ping(context.Background()); err == nil {
		t.Fatal("Ping() error = nil, want non-nil")
	}
}

func TestClientClose(t *testing.T) {
	transport := &mockTransport{}
	client := NewClient(transport, Options{})
	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if !transport.closed {
		t.Fatal("transport.closed = false, want true")
	}
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func decodeParams(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	obj := map[string]any{}
	if len(raw) == 0 {
		return obj
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return obj
}
