package schema

import "strings"

// TaskState is a validated task lifecycle state.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input_required"
	StateAuthRequired  TaskState = "auth_required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
)

// ParseTaskState validates a raw string. Returns ok=false for anything
// outside the defined set; callers must not coerce unknown states.
func ParseTaskState(raw string) (TaskState, bool) {
	switch TaskState(strings.ToLower(strings.TrimSpace(raw))) {
	case StateSubmitted:
		return StateSubmitted, true
	case StateWorking:
		return StateWorking, true
	case StateInputRequired:
		return StateInputRequired, true
	case StateAuthRequired:
		return StateAuthRequired, true
	case StateCompleted:
		return StateCompleted, true
	case StateFailed:
		return StateFailed, true
	case StateCanceled:
		return StateCanceled, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions are admitted from s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Suspended reports whether s is a suspension point awaiting a resume value.
// auth_required is a specialization of input_required distinguished only by
// intent (credential vs. general data).
func (s TaskState) Suspended() bool {
	return s == StateInputRequired || s == StateAuthRequired
}
