package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/petal-labs/frappemcp/auth"
	"github.com/petal-labs/frappemcp/docstore"
	"github.com/petal-labs/frappemcp/mcpclient"
	fmotel "github.com/petal-labs/frappemcp/otel"
	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	schema, err := docstore.BuiltinSchema()
	if err != nil {
		t.Fatalf("BuiltinSchema() error = %v", err)
	}
	registry, err := tool.NewBuiltinRegistry(tool.Deps{
		Store:   docstore.NewMemoryStore(schema),
		Site:    "test.local",
		Version: "test",
	})
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}
	registry.SetLogger(discardLogger())
	return registry
}

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	hash, err := auth.HashSecret("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	a, err := auth.NewAuthenticator(auth.Config{Accounts: []auth.Account{{
		User:       session.User{Name: "alice@example.com", Roles: []string{"Sales User"}},
		APIKey:     "alice-key",
		SecretHash: hash,
	}}})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = newTestRegistry(t)
	}
	cfg.Name = "frappemcp"
	cfg.Version = "test"
	cfg.Logger = discardLogger()
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func TestNewServerRequiresRegistry(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Fatal("NewServer() error = nil, want non-nil")
	}
}

func TestNewServerNormalizesMCPPath(t *testing.T) {
	srv := newTestServer(t, ServerConfig{MCPPath: "rpc"})
	if srv.MCPPath() != "/rpc" {
		t.Fatalf("MCPPath() = %q, want /rpc", srv.MCPPath())
	}
	if got := newTestServer(t, ServerConfig{}).MCPPath(); got != "/mcp" {
		t.Fatalf("default MCPPath() = %q, want /mcp", got)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Authenticator: newTestAuthenticator(t)})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, ServerConfig{CORSOrigin: "https://desk.example.com"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://desk.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Mcp-Session-Id") {
		t.Fatalf("Allow-Headers = %q, want Mcp-Session-Id", got)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Authenticator: newTestAuthenticator(t)})
	handler := srv.Handler()

	tests := []struct {
		name    string
		path    string
		header  string
		message string
	}{
		{name: "tools without credentials", path: "/api/tools", message: "authentication required"},
		{name: "mcp without credentials", path: "/mcp", message: "authentication required"},
		{name: "wrong secret", path: "/api/tools", header: "token alice-key:nope", message: "invalid credentials"},
		{name: "unknown key", path: "/mcp", header: "token bob-key:s3cret", message: "invalid credentials"},
		{name: "malformed", path: "/mcp", header: "token garbage", message: "invalid credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			var body io.Reader
			if tt.path == "/mcp" {
				method = http.MethodPost
				body = strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
			}
			req := httptest.NewRequest(method, tt.path, body)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("WWW-Authenticate header missing")
			}
			var resp apiError
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error.Code != "UNAUTHORIZED" || resp.Error.Message != tt.message {
				t.Fatalf("error = %+v, want UNAUTHORIZED %q", resp.Error, tt.message)
			}
		})
	}
}

func TestListToolsEndpoint(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Authenticator: newTestAuthenticator(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/tools", nil)
	req.Header.Set("Authorization", "token alice-key:s3cret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Tools []struct {
			Name     string       `json:"name"`
			ReadOnly bool         `json:"read_only"`
			Params   []tool.Param `json:"params"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"list_todos", "create_todo", "list_records", "get_record", "create_record", "get_system_info"}
	if len(body.Tools) != len(want) {
		t.Fatalf("len(tools) = %d, want %d", len(body.Tools), len(want))
	}
	for i, name := range want {
		if body.Tools[i].Name != name {
			t.Fatalf("tools[%d] = %q, want %q", i, body.Tools[i].Name, name)
		}
	}
	if !body.Tools[0].ReadOnly || body.Tools[1].ReadOnly {
		t.Fatal("read_only flags wrong for list_todos/create_todo")
	}
	if body.Tools[5].Params == nil {
		t.Fatal("get_system_info params = null, want []")
	}
}

type staticMetrics []fmotel.MetricPoint

func (m staticMetrics) Snapshot(context.Context) ([]fmotel.MetricPoint, error) {
	return m, nil
}

func TestMetricsEndpoint(t *testing.T) {
	if rec := serve(newTestServer(t, ServerConfig{}), http.MethodGet, "/api/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("status without metrics source = %d, want 404", rec.Code)
	}

	srv := newTestServer(t, ServerConfig{Metrics: staticMetrics{
		{Name: fmotel.MetricInvocations, Attributes: map[string]string{"tool_name": "list_todos"}, Value: 3},
	}})
	rec := serve(srv, http.MethodGet, "/api/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Metrics []fmotel.MetricPoint `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Metrics) != 1 || body.Metrics[0].Value != 3 {
		t.Fatalf("metrics = %+v", body.Metrics)
	}
}

func serve(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestMCPEndToEnd(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Authenticator: newTestAuthenticator(t)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	transport, err := mcpclient.NewHTTPTransport(mcpclient.HTTPTransportConfig{
		Endpoint:      ts.URL + srv.MCPPath(),
		Authorization: "token alice-key:s3cret",
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	client := mcpclient.NewClient(transport, mcpclient.Options{})
	ctx := context.Background()
	defer client.Close(ctx)

	info, err := client.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if info.ServerInfo.Name != "frappemcp" {
		t.Fatalf("server name = %q, want frappemcp", info.ServerInfo.Name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 6 {
		t.Fatalf("len(tools) = %d, want 6", len(tools))
	}

	created := callEnvelope(t, client, "create_todo", map[string]any{"description": "Call the supplier"})
	if !created.Success {
		t.Fatalf("create_todo failed: %s", created.Error)
	}

	listed := callEnvelope(t, client, "list_todos", map[string]any{})
	if !listed.Success {
		t.Fatalf("list_todos failed: %s", listed.Error)
	}
	todos, _ := listed.Payload["todos"].([]any)
	if len(todos) != 1 {
		t.Fatalf("len(todos) = %d, want 1", len(todos))
	}
	todo, _ := todos[0].(map[string]any)
	if todo["allocated_to"] != "alice@example.com" {
		t.Fatalf("allocated_to = %v, want the authenticated user", todo["allocated_to"])
	}

	info2 := callEnvelope(t, client, "get_system_info", nil)
	if info2.Payload["user"] != "alice@example.com" {
		t.Fatalf("get_system_info user = %v", info2.Payload["user"])
	}

	missing := callEnvelope(t, client, "get_record", map[string]any{"doctype": "Customer", "name": "CUST-404"})
	if missing.Success || missing.Error == "" {
		t.Fatalf("get_record on missing doc = %+v, want failure", missing)
	}
}

func TestMCPWithoutAuthenticatorUsesDefaultUser(t *testing.T) {
	srv := newTestServer(t, ServerConfig{DefaultUser: session.Administrator})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	transport, err := mcpclient.NewHTTPTransport(mcpclient.HTTPTransportConfig{Endpoint: ts.URL + "/mcp"})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	client := mcpclient.NewClient(transport, mcpclient.Options{})
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	env := callEnvelope(t, client, "get_system_info", nil)
	if env.Payload["user"] != session.Administrator.Name {
		t.Fatalf("user = %v, want %s", env.Payload["user"], session.Administrator.Name)
	}
}

func callEnvelope(t *testing.T, client *mcpclient.Client, name string, args map[string]any) tool.Envelope {
	t.Helper()
	result, err := client.CallTool(context.Background(), name, args)
	if err != nil {
		t.Fatalf("CallTool(%s) error = %v", name, err)
	}
	env, err := result.Envelope()
	if err != nil {
		t.Fatalf("CallTool(%s) envelope: %v", name, err)
	}
	if result.IsError == env.Success {
		t.Fatalf("CallTool(%s) isError = %v but success = %v", name, result.IsError, env.Success)
	}
	return env
}
