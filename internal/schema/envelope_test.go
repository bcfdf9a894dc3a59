package schema

import (
	"errors"
	"fmt"
	"testing"
)

func TestNormalizeString(t *testing.T) {
	env := Normalize("hello")
	msg, ok := env.(Message)
	if !ok {
		t.Fatalf("expected Message, got %T", env)
	}
	if msg.Role != RoleAgent {
		t.Fatalf("expected agent role, got %s", msg.Role)
	}
	if msg.Text() != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", msg.Text())
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	first := Normalize("hi").(Message)
	second, ok := Normalize(first).(Message)
	if !ok {
		t.Fatalf("normalizing a canonical value changed its type")
	}
	if second.Role != first.Role || second.Text() != first.Text() {
		t.Fatalf("normalizing a canonical value should be a no-op")
	}

	update := StatusUpdate{Status: TaskStatus{State: StateWorking}}
	back, ok := Normalize(update).(StatusUpdate)
	if !ok || back.Status.State != StateWorking {
		t.Fatalf("status update should pass through unchanged")
	}
}

func TestNormalizeError(t *testing.T) {
	env := Normalize(errors.New("boom"))
	update, ok := env.(StatusUpdate)
	if !ok {
		t.Fatalf("expected StatusUpdate, got %T", env)
	}
	if update.Status.State != StateFailed {
		t.Fatalf("expected failed state, got %s", update.Status.State)
	}
	if len(update.Status.Errors) != 1 || update.Status.Errors[0].Message != "boom" {
		t.Fatalf("unexpected error details: %+v", update.Status.Errors)
	}
	if !update.Final {
		t.Fatalf("failed status should be final")
	}
}

func TestErrorDetailsAggregate(t *testing.T) {
	err := errors.Join(
		Titled("fetch", errors.New("connection refused")),
		Titled("parse", errors.New("unexpected EOF")),
	)
	details := ErrorDetails(err)
	if len(details) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(details))
	}
	if details[0].Title != "fetch" || details[0].Message != "connection refused" {
		t.Fatalf("unexpected first entry: %+v", details[0])
	}
	if details[1].Title != "parse" || details[1].Message != "unexpected EOF" {
		t.Fatalf("unexpected second entry: %+v", details[1])
	}
}

func TestErrorDetailsWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", Titled("inner", errors.New("bad")))
	details := ErrorDetails(err)
	if len(details) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(details))
	}
	if details[0].Title != "inner" {
		t.Fatalf("expected title from wrapped error, got %q", details[0].Title)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	envelopes := []Envelope{
		UserMessage("question"),
		Artifact{ArtifactID: "a1", Name: "report", Parts: []Part{TextPart("done")}},
		StatusUpdate{TaskID: "t1", Status: TaskStatus{State: StateCompleted}, Final: true},
	}
	for _, env := range envelopes {
		data, err := MarshalEnvelope(env)
		if err != nil {
			t.Fatalf("marshal %T: %v", env, err)
		}
		back, err := UnmarshalEnvelope(data)
		if err != nil {
			t.Fatalf("unmarshal %T: %v", env, err)
		}
		if back.EnvelopeKind() != env.EnvelopeKind() {
			t.Fatalf("kind changed: %s -> %s", env.EnvelopeKind(), back.EnvelopeKind())
		}
	}
}

func TestUnmarshalEnvelopeUnknownKind(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte(`{"kind":"mystery"}`)); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestParseTaskState(t *testing.T) {
	if state, ok := ParseTaskState(" Working "); !ok || state != StateWorking {
		t.Fatalf("expected working, got %q ok=%v", state, ok)
	}
	if _, ok := ParseTaskState("paused"); ok {
		t.Fatalf("unknown state must not parse")
	}
}

func TestStatePredicates(t *testing.T) {
	for _, state := range []TaskState{StateCompleted, StateFailed, StateCanceled} {
		if !state.Terminal() {
			t.Fatalf("%s should be terminal", state)
		}
	}
	for _, state := range []TaskState{StateInputRequired, StateAuthRequired} {
		if !state.Suspended() {
			t.Fatalf("%s should be suspended", state)
		}
		if state.Terminal() {
			t.Fatalf("%s should not be terminal", state)
		}
	}
}

func TestExtensionBlockPassThrough(t *testing.T) {
	params := map[string]any{"names": []any{"API_KEY"}}
	meta := WithExtensionBlock(nil, ExtSecrets, params)
	got := ExtensionBlock(meta, ExtSecrets)
	if got == nil {
		t.Fatalf("expected block under %s", ExtSecrets)
	}
	if _, ok := got["names"]; !ok {
		t.Fatalf("block contents must round-trip untouched")
	}
	if ExtensionBlock(meta, ExtForm) != nil {
		t.Fatalf("absent extension must return nil")
	}
}
