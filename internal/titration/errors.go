package titration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoScenarios is returned when a dataset loads cleanly but holds nothing to run.
var ErrNoScenarios = errors.New("titration: dataset contains no scenarios")

// ScenarioLoadError reports a missing or malformed dataset. Fatal before any
// simulation starts. Index is -1 when the failure is not tied to one record.
type ScenarioLoadError struct {
	Path  string
	Index int
	Err   error
}

func (e *ScenarioLoadError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("titration: load scenarios %s: record %d: %v", e.Path, e.Index, e.Err)
	}
	return fmt.Sprintf("titration: load scenarios %s: %v", e.Path, e.Err)
}

func (e *ScenarioLoadError) Unwrap() error { return e.Err }

// AgentLoadError reports an agent selector with no registered implementation.
type AgentLoadError struct {
	Name  string
	Known []string
}

func (e *AgentLoadError) Error() string {
	known := append([]string(nil), e.Known...)
	sort.Strings(known)
	return fmt.Sprintf("titration: unknown agent %q (available: %s)", e.Name, strings.Join(known, ", "))
}

// LLMInvocationError is a language-model call that kept failing after bounded retries.
type LLMInvocationError struct {
	Role     string
	Attempts int
	Err      error
}

func (e *LLMInvocationError) Error() string {
	return fmt.Sprintf("titration: %s llm call failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *LLMInvocationError) Unwrap() error { return e.Err }

// Transient reports whether the underlying cause was a timeout or another
// failure worth retrying on a later run.
func (e *LLMInvocationError) Transient() bool {
	return IsTransient(e.Err)
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient classifies errors the retry layer may retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// SchemaValidationError is structured model output that failed to parse or validate.
type SchemaValidationError struct {
	Schema string
	Raw    string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("titration: %s output failed validation: %v", e.Schema, e.Err)
}

func (e *SchemaValidationError) Unwrap() error { return e.Err }

// ConversationRuntimeError is any failure of one conversation task, recovered
// panics included. It never propagates to sibling conversations.
type ConversationRuntimeError struct {
	ScenarioID string
	Err        error
	Panic      any
}

func (e *ConversationRuntimeError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("titration: conversation %s panicked: %v", e.ScenarioID, e.Panic)
	}
	return fmt.Sprintf("titration: conversation %s failed: %v", e.ScenarioID, e.Err)
}

func (e *ConversationRuntimeError) Unwrap() error { return e.Err }
