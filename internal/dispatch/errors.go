package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/envoyai/agentcore/internal/provider"
	"github.com/envoyai/agentcore/internal/storage"
)

// ErrAlreadyRunning is returned when another task for the same source
// document is in flight.
var ErrAlreadyRunning = storage.ErrAlreadyRunning

// ErrUnknownTaskType is returned for task types with no agent or binding.
var ErrUnknownTaskType = errors.New("unknown task type")

// ProviderError is a transport-level provider failure.
type ProviderError = provider.Error

// PersistenceError means the durable store could not be written. The task
// is left pending for a later retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ChainExhaustedError is returned when every target of a binding failed.
type ChainExhaustedError struct {
	TaskType string
	Attempts []error
}

func (e *ChainExhaustedError) Error() string {
	msgs := make([]string, len(e.Attempts))
	for i, err := range e.Attempts {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d providers failed for %s: %s", len(e.Attempts), e.TaskType, strings.Join(msgs, "; "))
}

func (e *ChainExhaustedError) Unwrap() []error { return e.Attempts }
