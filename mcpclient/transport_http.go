package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SessionHeader carries the server-assigned session id on streamable HTTP.
const SessionHeader = "Mcp-Session-Id"

const maxErrorBody = 4 << 10

// HTTPTransportConfig configures a streamable HTTP transport.
type HTTPTransportConfig struct {
	Endpoint string
	// Authorization is sent verbatim as the Authorization header when set.
	Authorization string
	Headers       map[string]string
	Timeout       time.Duration
	Client        *http.Client
}

// HTTPTransport posts each message to the MCP endpoint and queues the
// JSON-RPC messages found in the response, whether it is a plain JSON body
// or an event stream.
type HTTPTransport struct {
	mu        sync.Mutex
	cfg       HTTPTransportConfig
	recvCh    chan Message
	sessionID string
	closed    bool
}

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mcpclient: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("mcpclient: endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPTransport validates cfg and returns a transport.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("mcpclient: http endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("mcpclient: invalid http endpoint %q", cfg.Endpoint)
	}
	cfg.Endpoint = endpoint
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
	}, nil
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send posts one JSON-RPC message.
func (t *HTTPTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	closed := t.closed
	sessionID := t.sessionID
	t.mu.Unlock()
	if closed {
		return errors.New("mcpclient: http transport is closed")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcpclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mcpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.cfg.Headers {
		req.Header.Set(key, value)
	}
	if t.cfg.Authorization != "" {
		req.Header.Set("Authorization", t.cfg.Authorization)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpclient: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if id := resp.Header.Get(SessionHeader); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, resp.Body)
	}

	responseBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mcpclient: read response: %w", err)
	}
	if len(bytes.TrimSpace(responseBytes)) == 0 {
		return nil
	}
	return t.enqueuePayload(ctx, responseBytes)
}

// readEventStream queues the data of every event until the stream ends.
func (t *HTTPTransport) readEventStream(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)

	var data []string
	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		return t.enqueuePayload(ctx, []byte(payload))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcpclient: read event stream: %w", err)
	}
	return flush()
}

// enqueuePayload accepts a single message or a batch.
func (t *HTTPTransport) enqueuePayload(ctx context.Context, payload []byte) error {
	payload = bytes.TrimSpace(payload)
	var messages []Message
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &messages); err != nil {
			return fmt.Errorf("mcpclient: decode response: %w", err)
		}
	} else {
		var message Message
		if err := json.Unmarshal(payload, &message); err != nil {
			return fmt.Errorf("mcpclient: decode response: %w", err)
		}
		messages = []Message{message}
	}

	for _, message := range messages {
		select {
		case t.recvCh <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive waits for the next queued message.
func (t *HTTPTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	// Responses arrive synchronously with Send, so an empty queue means the
	// server answered without one.
	return Message{}, errors.New("mcpclient: no response received")
}

// Close ends the session on the server when one was assigned and marks the
// transport closed.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("mcpclient: build request: %w", err)
	}
	req.Header.Set(SessionHeader, sessionID)
	if t.cfg.Authorization != "" {
		req.Header.Set("Authorization", t.cfg.Authorization)
	}
	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("mcpclient: end session: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}
