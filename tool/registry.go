package tool

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"slices"
	"time"

	"github.com/petal-labs/frappemcp/session"
)

// Handler runs a tool with bound arguments. A returned error is classified
// by the registry; handlers never build failure envelopes for store errors.
type Handler func(ctx context.Context, args Args) (Envelope, error)

// Tool is one named, independently invocable operation.
type Tool struct {
	Name string
	// Description documents the tool and its arguments for remote callers.
	Description string
	Params      []Param
	// ReadOnly marks tools that never write to the store.
	ReadOnly bool
	Handler  Handler
}

// Param returns the declared parameter called name.
func (t Tool) Param(name string) (Param, bool) {
	idx := slices.IndexFunc(t.Params, func(p Param) bool { return p.Name == name })
	if idx < 0 {
		return Param{}, false
	}
	return t.Params[idx], true
}

var toolNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func (t Tool) validate() error {
	if !toolNamePattern.MatchString(t.Name) {
		return fmt.Errorf("tool: invalid name %q", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Params))
	for _, param := range t.Params {
		if err := param.validate(); err != nil {
			return fmt.Errorf("tool %q: %w", t.Name, err)
		}
		if _, dup := seen[param.Name]; dup {
			return fmt.Errorf("tool %q: duplicate param %q", t.Name, param.Name)
		}
		seen[param.Name] = struct{}{}
	}
	return nil
}

// Registry is an ordered set of tools looked up by name at dispatch time.
// Register tools during startup; Dispatch is safe for concurrent use once
// registration is complete.
type Registry struct {
	tools  []Tool
	index  map[string]int
	logger *slog.Logger
}

// NewRegistry builds a registry holding tools in order.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// SetLogger sets the logger used for dispatch diagnostics.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// Register appends a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if err := t.validate(); err != nil {
		return err
	}
	if _, exists := r.index[t.Name]; exists {
		return fmt.Errorf("tool %q is already registered", t.Name)
	}
	r.index[t.Name] = len(r.tools)
	r.tools = append(r.tools, t)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	return slices.Clone(r.tools)
}

// Lookup returns the tool called name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	idx, ok := r.index[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[idx], true
}

// Dispatch invokes the named tool and always returns an envelope. Errors and
// panics are converted into failed envelopes exactly once, here.
func (r *Registry) Dispatch(ctx context.Context, name string, raw map[string]any) (env Envelope) {
	logger := r.log()
	start := time.Now()
	user := session.FromContext(ctx).Name
	var failure *Failure

	defer func() {
		if recovered := recover(); recovered != nil {
			failure = &Failure{Code: CodePanic, Message: fmt.Sprintf("internal error: %v", recovered)}
			env = Fail(failure.Message)
			logger.Error("tool panicked",
				"tool", name,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}

		duration := time.Since(start)
		observation := InvokeObservation{
			ToolName:   name,
			User:       user,
			DurationMS: duration.Milliseconds(),
			Success:    env.Success,
		}
		if failure != nil {
			observation.ErrorCode = failure.Code
			logger.Warn("tool failed",
				"tool", name,
				"user", user,
				"code", failure.Code,
				"error", failure.Message,
				"duration", duration,
			)
		} else {
			logger.Debug("tool invoked", "tool", name, "user", user, "duration", duration)
		}
		emitInvokeObservation(ctx, observation, logger)
	}()

	t, ok := r.Lookup(name)
	if !ok {
		failure = Classify(fmt.Errorf("%w: %s", ErrToolNotFound, name))
		return Fail(failure.Message)
	}
	args, err := bindArgs(t.Params, raw)
	if err != nil {
		failure = Classify(err)
		return Fail(failure.Message)
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		failure = Classify(err)
		return Fail(failure.Message)
	}
	if !result.Success {
		failure = &Failure{Code: CodeInvocationFailed, Message: result.Error}
		return Fail(result.Error)
	}
	return result
}

func (r *Registry) log() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}
