package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Reserved envelope keys. Payload entries using them are dropped when flattened.
const (
	KeySuccess = "success"
	KeyError   = "error"
	KeyMessage = "message"
)

const unknownFailure = "unknown error"

// Envelope is the result of every tool invocation.
//
// A successful envelope carries a payload and never an error; a failed envelope
// carries a non-empty error and never a payload. Build envelopes with Succeed
// and Fail; MarshalJSON enforces the invariant for hand-built values too.
type Envelope struct {
	Success bool
	Error   string
	Message string
	Payload map[string]any
}

// Succeed returns a successful envelope holding payload.
func Succeed(payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{Success: true, Payload: payload}
}

// Fail returns a failed envelope with message as the error.
func Fail(message string) Envelope {
	message = strings.TrimSpace(message)
	if message == "" {
		message = unknownFailure
	}
	return Envelope{Error: message}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) Envelope {
	return Fail(fmt.Sprintf(format, args...))
}

// WithMessage returns a copy of e carrying an informational message.
func (e Envelope) WithMessage(message string) Envelope {
	e.Message = message
	return e
}

// Map returns the flat wire form of the envelope.
func (e Envelope) Map() map[string]any {
	if !e.Success {
		errMsg := strings.TrimSpace(e.Error)
		if errMsg == "" {
			errMsg = unknownFailure
		}
		return map[string]any{KeySuccess: false, KeyError: errMsg}
	}

	out := make(map[string]any, len(e.Payload)+2)
	for key, value := range e.Payload {
		switch key {
		case KeySuccess, KeyError, KeyMessage:
			continue
		}
		out[key] = value
	}
	out[KeySuccess] = true
	if e.Message != "" {
		out[KeyMessage] = e.Message
	}
	return out
}

// MarshalJSON encodes the flat wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

// UnmarshalJSON decodes a flat envelope and rejects ones that break the
// success/error invariant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	success, ok := raw[KeySuccess].(bool)
	if !ok {
		return errors.New("envelope: missing boolean \"success\"")
	}

	errValue, hasError := raw[KeyError]
	if success {
		if hasError {
			return errors.New("envelope: successful result carries an error")
		}
		message, _ := raw[KeyMessage].(string)
		payload := maps.Clone(raw)
		delete(payload, KeySuccess)
		delete(payload, KeyMessage)
		*e = Envelope{Success: true, Message: message, Payload: payload}
		return nil
	}

	errMsg, _ := errValue.(string)
	if strings.TrimSpace(errMsg) == "" {
		return errors.New("envelope: failed result has no error message")
	}
	for key := range raw {
		if key != KeySuccess && key != KeyError && key != KeyMessage {
			return fmt.Errorf("envelope: failed result carries payload key %q", key)
		}
	}
	*e = Envelope{Error: errMsg}
	return nil
}
