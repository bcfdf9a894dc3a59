package schema

import (
	"errors"
	"time"
)

// Normalize canonicalizes shorthand values a handler may yield into the
// envelope union: a bare string becomes an agent message, an error
// becomes a failed status. Canonical values pass through unchanged, so
// Normalize(Normalize(v)) == Normalize(v).
func Normalize(v any) Envelope {
	switch val := v.(type) {
	case Envelope:
		return val
	case *Message:
		if val == nil {
			return nil
		}
		return *val
	case *Artifact:
		if val == nil {
			return nil
		}
		return *val
	case *StatusUpdate:
		if val == nil {
			return nil
		}
		return *val
	case string:
		return AgentMessage(val)
	case error:
		return FailedStatus(val)
	default:
		return nil
	}
}

// FailedStatus converts an error into a failed status update carrying a
// structured error list. Aggregates built with errors.Join contribute
// one entry per sub-error.
func FailedStatus(err error) StatusUpdate {
	return StatusUpdate{
		Status: TaskStatus{
			State:     StateFailed,
			Errors:    ErrorDetails(err),
			Timestamp: time.Now().UTC(),
		},
		Final: true,
	}
}

// ErrorDetails flattens err into a structured list. Errors that
// aggregate multiple causes (Unwrap() []error) are expanded one level;
// everything else yields a single entry.
func ErrorDetails(err error) []ErrorDetail {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		subs := joined.Unwrap()
		out := make([]ErrorDetail, 0, len(subs))
		for _, sub := range subs {
			if sub == nil {
				continue
			}
			out = append(out, detailFor(sub))
		}
		if len(out) > 0 {
			return out
		}
	}
	return []ErrorDetail{detailFor(err)}
}

// Titled attaches a short title to an error for structured reporting.
func Titled(title string, err error) error {
	return &titledError{title: title, err: err}
}

type titledError struct {
	title string
	err   error
}

func (e *titledError) Error() string {
	if e.title == "" {
		return e.err.Error()
	}
	return e.title + ": " + e.err.Error()
}

func (e *titledError) Unwrap() error { return e.err }

func detailFor(err error) ErrorDetail {
	var titled *titledError
	if errors.As(err, &titled) {
		return ErrorDetail{Title: titled.title, Message: titled.err.Error()}
	}
	return ErrorDetail{Message: err.Error()}
}
