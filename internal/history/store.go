// Package history is the append-only, read-back log of envelopes
// exchanged under a context. Appends assign monotonic ids; prior
// entries are never mutated or reordered. Truncation exists for
// client-initiated edit/retry and is fenced by delivered artifacts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inletworks/inlet/internal/schema"
)

var (
	ErrContextNotFound = errors.New("context not found")
	ErrItemNotFound    = errors.New("history item not found")

	// ErrArtifactFence is returned when a truncation would remove a
	// delivered artifact without the force flag.
	ErrArtifactFence = errors.New("truncation crosses an artifact fence")
)

// Item is one persisted envelope plus its position in the context log.
// IDs are ULIDs, so lexicographic order is append order.
type Item struct {
	ID        string          `json:"id"`
	ContextID string          `json:"context_id"`
	Kind      schema.Kind     `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Envelope  schema.Envelope `json:"envelope"`
	CreatedAt time.Time       `json:"created_at"`
}

// itemJSON is the wire shape of an Item; the envelope is re-tagged so
// it decodes back into the right concrete type.
type itemJSON struct {
	ID        string          `json:"id"`
	ContextID string          `json:"context_id"`
	Kind      schema.Kind     `json:"kind"`
	TaskID    string          `json:"task_id,omitempty"`
	Envelope  json.RawMessage `json:"envelope,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (i Item) MarshalJSON() ([]byte, error) {
	out := itemJSON{
		ID:        i.ID,
		ContextID: i.ContextID,
		Kind:      i.Kind,
		TaskID:    i.TaskID,
		CreatedAt: i.CreatedAt,
	}
	if i.Envelope != nil {
		data, err := schema.MarshalEnvelope(i.Envelope)
		if err != nil {
			return nil, err
		}
		out.Envelope = data
	}
	return json.Marshal(out)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.ID = raw.ID
	i.ContextID = raw.ContextID
	i.Kind = raw.Kind
	i.TaskID = raw.TaskID
	i.CreatedAt = raw.CreatedAt
	i.Envelope = nil
	if len(raw.Envelope) > 0 {
		env, err := schema.UnmarshalEnvelope(raw.Envelope)
		if err != nil {
			return err
		}
		i.Envelope = env
	}
	return nil
}

// Context is a durable conversation scope grouping tasks and history.
type Context struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// LoadOptions narrows a Load call. Zero value loads the full log.
type LoadOptions struct {
	// AsOfID bounds the load to items with id <= AsOfID.
	AsOfID string
	// Limit caps the number of items returned; <= 0 means no cap.
	Limit int
}

// Store is the context history contract. The sqlite and in-memory
// implementations are interchangeable; deployments choose durability,
// not semantics.
type Store interface {
	CreateContext(ctx context.Context, id string) (Context, error)
	GetContext(ctx context.Context, id string) (Context, error)
	TouchContext(ctx context.Context, id string) error
	ListContexts(ctx context.Context, limit int) ([]Context, error)

	// Append records env under contextID with a freshly assigned
	// monotonic id. A failed append is fatal to the calling run; it is
	// never implicitly retried.
	Append(ctx context.Context, contextID, taskID string, env schema.Envelope) (Item, error)

	// Load returns items in append order.
	Load(ctx context.Context, contextID string, opts LoadOptions) ([]Item, error)

	// Truncate removes all items with id >= fromID. It fails with
	// ErrArtifactFence if any removed item is an artifact, unless
	// force is set. Returns the number of items removed.
	Truncate(ctx context.Context, contextID, fromID string, force bool) (int, error)

	// DeleteInactiveSince removes contexts (and their history) whose
	// last_active_at predates cutoff. Used by the retention sweeper.
	DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int, error)
}

// Envelopes projects items to their raw message/artifact/status values.
func Envelopes(items []Item) []schema.Envelope {
	out := make([]schema.Envelope, 0, len(items))
	for _, item := range items {
		out = append(out, item.Envelope)
	}
	return out
}
