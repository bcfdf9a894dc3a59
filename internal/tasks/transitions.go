package tasks

import (
	"errors"
	"fmt"

	"github.com/inletworks/inlet/internal/schema"
)

var (
	ErrTaskNotFound            = errors.New("task not found")
	ErrInvalidStatusTransition = errors.New("invalid task status transition")

	// ErrTaskNotResumable rejects a resume aimed at a task that is not
	// suspended. Resuming a terminal task never re-executes the handler.
	ErrTaskNotResumable = errors.New("task is not resumable")

	// ErrMissingPrompt rejects a suspended status without a prompting
	// message: input_required/auth_required always carry one.
	ErrMissingPrompt = errors.New("suspended status requires a prompting message")
)

type StatusTransitionError struct {
	TaskID string
	From   schema.TaskState
	To     schema.TaskState
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// CanTransition is the explicit transition table. Terminal states admit
// nothing; suspended states resume to working or finish directly when
// the handler completes without yielding again.
func CanTransition(from, to schema.TaskState) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case schema.StateSubmitted:
		return to == schema.StateWorking || to.Terminal() || to.Suspended()
	case schema.StateWorking:
		return to == schema.StateWorking || to.Terminal() || to.Suspended()
	case schema.StateInputRequired, schema.StateAuthRequired:
		return to == schema.StateWorking || to.Terminal()
	default:
		return false
	}
}
