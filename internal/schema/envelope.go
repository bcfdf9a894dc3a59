package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Kind discriminates the closed set of envelope types.
type Kind string

const (
	KindMessage      Kind = "message"
	KindArtifact     Kind = "artifact"
	KindStatusUpdate Kind = "status_update"
)

// Envelope is the closed union of values a handler may produce and the
// only shapes the history store persists.
type Envelope interface {
	EnvelopeKind() Kind
}

// Part is one content block of a message or artifact. Exactly one of
// Text or Data is meaningful, selected by Kind.
type Part struct {
	Kind string         `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

const (
	PartText = "text"
	PartData = "data"
)

// TextPart wraps plain text into a Part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// DataPart wraps structured data into a Part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartData, Data: data}
}

// Message is a single turn of conversation content. Metadata carries
// out-of-band extension blocks keyed by extension URI and is passed
// through the orchestrator untouched.
type Message struct {
	MessageID string         `json:"message_id,omitempty"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (Message) EnvelopeKind() Kind { return KindMessage }

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// UserMessage builds a user-role text message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// AgentMessage builds an agent-role text message.
func AgentMessage(text string) Message {
	return Message{Role: RoleAgent, Parts: []Part{TextPart(text)}}
}

// Artifact is a delivered result. Artifacts recorded after a completed
// task act as rollback fences in the history store.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (Artifact) EnvelopeKind() Kind { return KindArtifact }

// TaskStatus is a task's lifecycle state plus an optional carried message.
// Suspended states always carry a non-nil prompting message.
type TaskStatus struct {
	State     TaskState      `json:"state"`
	Message   *Message       `json:"message,omitempty"`
	Errors    []ErrorDetail  `json:"errors,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// StatusUpdate announces a task status transition on the stream.
type StatusUpdate struct {
	TaskID    string     `json:"task_id,omitempty"`
	ContextID string     `json:"context_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final,omitempty"`
}

func (StatusUpdate) EnvelopeKind() Kind { return KindStatusUpdate }

// ErrorDetail is one entry of a structured failure list. Aggregated
// handler failures produce one entry per sub-error.
type ErrorDetail struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// wireEnvelope is the tagged JSON shape envelopes serialize to.
type wireEnvelope struct {
	Kind         Kind          `json:"kind"`
	Message      *Message      `json:"message,omitempty"`
	Artifact     *Artifact     `json:"artifact,omitempty"`
	StatusUpdate *StatusUpdate `json:"status_update,omitempty"`
}

// MarshalEnvelope serializes an envelope with its kind discriminator.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	w := wireEnvelope{Kind: env.EnvelopeKind()}
	switch v := env.(type) {
	case Message:
		w.Message = &v
	case *Message:
		w.Message = v
	case Artifact:
		w.Artifact = &v
	case *Artifact:
		w.Artifact = v
	case StatusUpdate:
		w.StatusUpdate = &v
	case *StatusUpdate:
		w.StatusUpdate = v
	default:
		return nil, fmt.Errorf("unknown envelope type %T", env)
	}
	return json.Marshal(w)
}

// UnmarshalEnvelope reverses MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch w.Kind {
	case KindMessage:
		if w.Message == nil {
			return nil, fmt.Errorf("envelope kind %q missing body", w.Kind)
		}
		return *w.Message, nil
	case KindArtifact:
		if w.Artifact == nil {
			return nil, fmt.Errorf("envelope kind %q missing body", w.Kind)
		}
		return *w.Artifact, nil
	case KindStatusUpdate:
		if w.StatusUpdate == nil {
			return nil, fmt.Errorf("envelope kind %q missing body", w.Kind)
		}
		return *w.StatusUpdate, nil
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", w.Kind)
	}
}
