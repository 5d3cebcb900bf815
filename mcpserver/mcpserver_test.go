package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/petal-labs/frappemcp/docstore"
	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

var alice = session.User{Name: "alice@example.com"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *server.MCPServer {
	t.Helper()
	schema, err := docstore.BuiltinSchema()
	if err != nil {
		t.Fatalf("BuiltinSchema() error = %v", err)
	}
	registry, err := tool.NewBuiltinRegistry(tool.Deps{Store: docstore.NewMemoryStore(schema), Site: "test.local", Version: "test"})
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}
	registry.SetLogger(discardLogger())
	s, err := New(Config{Name: "frappemcp-test", Version: "test", Registry: registry, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// rpc sends one JSON-RPC request through the server and decodes the response.
func rpc(t *testing.T, ctx context.Context, s *server.MCPServer, request string) map[string]any {
	t.Helper()
	response := s.HandleMessage(ctx, json.RawMessage(request))
	data, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
	return out
}

func callResult(t *testing.T, response map[string]any) (tool.Envelope, bool) {
	t.Helper()
	result, ok := response["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %v", response)
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	var env tool.Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		t.Fatalf("decode envelope %s: %v", text, err)
	}
	isError, _ := result["isError"].(bool)
	return env, isError
}

func TestNew_RequiresRegistry(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() expected error without registry")
	}
}

func TestToolsList(t *testing.T) {
	s := newTestServer(t)
	response := rpc(t, context.Background(), s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	tools := response["result"].(map[string]any)["tools"].([]any)
	byName := make(map[string]map[string]any, len(tools))
	for _, item := range tools {
		def := item.(map[string]any)
		byName[def["name"].(string)] = def
	}
	for _, name := range []string{"list_todos", "create_todo", "list_records", "get_record", "create_record", "get_system_info"} {
		if _, ok := byName[name]; !ok {
			t.Fatalf("tools/list missing %s: %v", name, tools)
		}
	}

	createTodo := byName["create_todo"]
	if !strings.Contains(createTodo["description"].(string), "description: What needs to be done") {
		t.Fatalf("create_todo description = %q", createTodo["description"])
	}
	schema := createTodo["inputSchema"].(map[string]any)
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "description" {
		t.Fatalf("create_todo required = %v", schema["required"])
	}
	priority := schema["properties"].(map[string]any)["priority"].(map[string]any)
	if priority["default"] != "Medium" || len(priority["enum"].([]any)) != 3 {
		t.Fatalf("priority schema = %v", priority)
	}

	listRecords := byName["list_records"]["inputSchema"].(map[string]any)["properties"].(map[string]any)
	if listRecords["filters"].(map[string]any)["type"] != "object" || listRecords["fields"].(map[string]any)["type"] != "array" {
		t.Fatalf("list_records schema = %v", listRecords)
	}
	if listRecords["limit"].(map[string]any)["default"] != float64(tool.DefaultLimit) {
		t.Fatalf("limit default = %v", listRecords["limit"])
	}
}

func TestToolsCall_UsesSessionUser(t *testing.T) {
	s := newTestServer(t)
	ctx := session.WithUser(context.Background(), alice)

	env, isError := callResult(t, rpc(t, ctx, s,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"create_todo","arguments":{"description":"From MCP"}}}`))
	if isError || !env.Success || env.Payload["status"] != "Open" {
		t.Fatalf("create_todo = %+v (isError=%v)", env, isError)
	}

	env, _ = callResult(t, rpc(t, ctx, s,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_todos","arguments":{}}}`))
	if env.Payload["count"] != float64(1) {
		t.Fatalf("list_todos = %+v", env)
	}

	env, _ = callResult(t, rpc(t, ctx, s,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"get_system_info"}}`))
	if env.Payload["user"] != alice.Name {
		t.Fatalf("get_system_info user = %v", env.Payload["user"])
	}
}

func TestToolsCall_FailureSetsIsError(t *testing.T) {
	s := newTestServer(t)
	env, isError := callResult(t, rpc(t, context.Background(), s,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"get_record","arguments":{"doctype":"ToDo","name":"nope"}}}`))
	if !isError || env.Success || env.Error != "ToDo nope not found" {
		t.Fatalf("get_record = %+v (isError=%v)", env, isError)
	}
}

func TestResult(t *testing.T) {
	result := Result(tool.Succeed(map[string]any{"count": 0}))
	if result.IsError || len(result.Content) != 1 {
		t.Fatalf("Result(success) = %+v", result)
	}
	result = Result(tool.Fail("boom"))
	if !result.IsError {
		t.Fatal("Result(failure).IsError = false")
	}
}

func TestHTTPHandler_PropagatesUser(t *testing.T) {
	s := newTestServer(t)
	handler := NewHTTPHandler(s, "")
	withUser := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(session.WithUser(r.Context(), alice)))
	})
	ts := httptest.NewServer(withUser)
	defer ts.Close()

	post := func(body string) map[string]any {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+DefaultEndpointPath, strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			t.Fatalf("status = %d: %s", resp.StatusCode, data)
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	post(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	env, _ := callResult(t, post(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_system_info","arguments":{}}}`))
	if env.Payload["user"] != alice.Name || env.Payload["site"] != "test.local" {
		t.Fatalf("get_system_info over http = %+v", env)
	}
}

func TestServeStdio(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
	})

	go func() { _ = ServeStdio(ctx, s, alice, inR, outW, discardLogger()) }()

	reader := bufio.NewReader(outR)
	readLine := func() map[string]any {
		t.Helper()
		type result struct {
			line string
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- result{line, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("read stdio response: %v", r.err)
			}
			var out map[string]any
			if err := json.Unmarshal([]byte(r.line), &out); err != nil {
				t.Fatalf("decode %q: %v", r.line, err)
			}
			return out
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stdio response")
			return nil
		}
	}
	write := func(line string) {
		t.Helper()
		if _, err := io.WriteString(inW, line+"\n"); err != nil {
			t.Fatalf("write stdio request: %v", err)
		}
	}

	write(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	if init := readLine(); init["result"] == nil {
		t.Fatalf("initialize response = %v", init)
	}
	write(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_system_info","arguments":{}}}`)
	env, _ := callResult(t, readLine())
	if env.Payload["user"] != alice.Name {
		t.Fatalf("stdio get_system_info = %+v", env)
	}
}
