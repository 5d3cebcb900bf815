package tool

import (
	"context"
	"log/slog"
	"sync"
)

// InvokeObservation captures one dispatched invocation.
type InvokeObservation struct {
	ToolName   string
	User       string
	DurationMS int64
	Success    bool
	ErrorCode  string
}

// Observer receives tool-level observability events.
type Observer interface {
	ObserveInvoke(ctx context.Context, observation InvokeObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(context.Context, InvokeObservation) {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide tool observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

// emitInvokeObservation reports to the active observer. A panicking observer
// is logged and never reaches the caller.
func emitInvokeObservation(ctx context.Context, observation InvokeObservation, logger *slog.Logger) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("tool observer panicked", "tool", observation.ToolName, "panic", recovered)
		}
	}()
	observer.ObserveInvoke(ctx, observation)
}
