package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewHTTPTransportValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "  ", "ftp://host/mcp", "/mcp", "http://"} {
		if _, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: endpoint}); err == nil {
			t.Errorf("NewHTTPTransport(%q) error = nil, want non-nil", endpoint)
		}
	}
}

func TestHTTPTransportJSONResponse(t *testing.T) {
	var gotAuth, gotAccept, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotSession = r.Header.Get(SessionHeader)

		var req Message
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(SessionHeader, "sess-1")
		_ = json.NewEncoder(w).Encode(Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: json.RawMessage(`{"pong":true}`)})
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{
		Endpoint:      srv.URL + "/mcp",
		Authorization: "token key:secret",
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	defer transport.Close(context.Background())

	ctx := context.Background()
	for id := int64(1); id <= 2; id++ {
		if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: id, Method: "ping"}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		resp, err := transport.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if resp.ID != id {
			t.Fatalf("response id = %d, want %d", resp.ID, id)
		}
	}

	if gotAuth != "token key:secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if !strings.Contains(gotAccept, "text/event-stream") {
		t.Fatalf("Accept = %q, want event streams accepted", gotAccept)
	}
	if gotSession != "sess-1" {
		t.Fatalf("second request session header = %q, want sess-1", gotSession)
	}
	if transport.SessionID() != "sess-1" {
		t.Fatalf("SessionID() = %q, want sess-1", transport.SessionID())
	}
}

func TestHTTPTransportEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":3,\"result\":{\"ok\":true}}\n")
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	ctx := context.Background()
	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 3, Method: "tools/list"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	first, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if first.Method != "notifications/progress" {
		t.Fatalf("first message method = %q, want notifications/progress", first.Method)
	}
	second, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if second.ID != 3 {
		t.Fatalf("second message id = %d, want 3", second.ID)
	}
}

func TestHTTPTransportAcceptedNotification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := transport.Receive(context.Background()); err == nil {
		t.Fatal("Receive() error = nil, want no response error")
	}
}

func TestHTTPTransportStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"code":"UNAUTHORIZED","message":"authentication required"}}`)
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	err = transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 1, Method: "ping"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Send() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || !strings.Contains(statusErr.Body, "authentication required") {
		t.Fatalf("StatusError = %+v", statusErr)
	}
}

func TestHTTPTransportCloseEndsSession(t *testing.T) {
	deleted := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted <- r.Header.Get(SessionHeader)
			return
		}
		w.Header().Set(SessionHeader, "sess-9")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport, err := NewHTTPTransport(HTTPTransportConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTransport() error = %v", err)
	}
	if err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case id := <-deleted:
		if id != "sess-9" {
			t.Fatalf("DELETE session = %q, want sess-9", id)
		}
	default:
		t.Fatal("Close() did not end the session")
	}
	if err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: 1, Method: "ping"}); err == nil {
		t.Fatal("Send() after Close() error = nil, want non-nil")
	}
}

func TestStdioTransportSendReceive(t *testing.T) {
	transport, err := NewStdioTransport(context.Background(), StdioTransportConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMCPStdioHelperProcess", "--"},
		Env:     map[string]string{"GO_WANT_MCP_STDIO_HELPER": "1"},
	})
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer transport.Close(ctx)

	if err := transport.Send(ctx, Message{JSONRPC: jsonRPCVersion, ID: 1, Method: "tools/list"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	resp, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if resp.ID != 1 {
		t.Fatalf("response id = %d, want 1", resp.ID)
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		t.Fatalf("Unmarshal(result) error = %v", err)
	}
	if payload["method"] != "tools/list" {
		t.Fatalf("result.method = %v, want tools/list", payload["method"])
	}
}

func TestStdioTransportRequiresCommand(t *testing.T) {
	if _, err := NewStdioTransport(context.Background(), StdioTransportConfig{Command: " "}); err == nil {
		t.Fatal("NewStdioTransport() error = nil, want non-nil")
	}
}

func TestMCPStdioHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_MCP_STDIO_HELPER") != "1" {
		return
	}

	decoder := json.NewDecoder(os.Stdin)
	encoder := json.NewEncoder(os.Stdout)
	for {
		var req Message
		if err := decoder.Decode(&req); err != nil {
			os.Exit(0)
		}
		result, _ := json.Marshal(map[string]any{"ok": true, "method": req.Method})
		if err := encoder.Encode(Message{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}); err != nil {
			os.Exit(2)
		}
	}
}
