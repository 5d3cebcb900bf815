package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
)

// StdioTransportConfig configures a subprocess speaking MCP on stdin/stdout.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// Stderr receives the subprocess's stderr. Nil discards it.
	Stderr io.Writer
}

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC messages with it.
type StdioTransport struct {
	mu     sync.Mutex
	cfg    StdioTransportConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	recvCh chan Message
	errCh  chan error
	waitCh chan struct{}
	closed bool
}

// NewStdioTransport starts the subprocess.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcpclient: stdio command is required")
	}

	t := &StdioTransport{
		cfg:    cfg,
		recvCh: make(chan Message, 64),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
	}
	if err := t.start(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start(ctx context.Context) error {
	// #nosec G204 -- the command comes from the operator's command line.
	cmd := exec.CommandContext(ctx, t.cfg.Command, slices.Clone(t.cfg.Args)...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(t.cfg.Env)...)
	}
	stderr := t.cfg.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcpclient: stdio open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcpclient: stdio open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcpclient: stdio start %s: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer func() {
		err := t.cmd.Wait()
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if err != nil && !closed {
			t.sendErr(fmt.Errorf("mcpclient: stdio process exited: %w", err))
		}
		close(t.waitCh)
	}()

	decoder := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var message Message
		if err := decoder.Decode(&message); err != nil {
			if errors.Is(err, io.EOF) {
				t.sendErr(errors.New("mcpclient: stdio server closed its output"))
			} else {
				t.sendErr(fmt.Errorf("mcpclient: stdio decode response: %w", err))
			}
			return
		}
		select {
		case t.recvCh <- message:
		default:
			t.sendErr(errors.New("mcpclient: stdio receive queue is full"))
			return
		}
	}
}

// Send writes one message followed by a newline.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("mcpclient: stdio transport is closed")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcpclient: encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcpclient: write request: %w", err)
	}
	return nil
}

// Receive returns the next message from the subprocess. Queued messages are
// drained before a read error is reported.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-t.recvCh:
		return message, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case message := <-t.recvCh:
		return message, nil
	case err := <-t.errCh:
		return Message{}, err
	}
}

// Close closes stdin, giving the server a chance to exit, and kills it if it
// is still running when ctx ends.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	_ = stdin.Close()
	select {
	case <-t.waitCh:
		return nil
	case <-ctx.Done():
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-t.waitCh
	return ctx.Err()
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
