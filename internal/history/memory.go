package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inletworks/inlet/internal/idgen"
	"github.com/inletworks/inlet/internal/schema"
)

// MemoryStore is the bounded, TTL-evicting Store for single-process
// deployments. Semantics match SQLiteStore; only durability differs.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*memContext

	maxContexts int
	ttl         time.Duration
	nowFn       func() time.Time
	newIDFn     func() string
}

type memContext struct {
	meta  Context
	items []Item
}

type MemoryOption func(*MemoryStore)

// WithMaxContexts bounds the number of retained contexts; the least
// recently active context is evicted when the bound is exceeded.
func WithMaxContexts(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxContexts = n
		}
	}
}

// WithTTL evicts contexts inactive for longer than ttl on access.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithMemoryClock(nowFn func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		contexts:    map[string]*memContext{},
		maxContexts: 1024,
		nowFn:       func() time.Time { return time.Now().UTC() },
		newIDFn:     idgen.HistoryID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *MemoryStore) CreateContext(_ context.Context, id string) (Context, error) {
	if id == "" {
		id = idgen.New()
	}
	now := s.now()
	meta := Context{ID: id, CreatedAt: now, LastActiveAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[id] = &memContext{meta: meta}
	s.evictLocked()
	return meta, nil
}

func (s *MemoryStore) GetContext(_ context.Context, id string) (Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok || s.expired(c) {
		return Context{}, ErrContextNotFound
	}
	return c.meta, nil
}

func (s *MemoryStore) TouchContext(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok || s.expired(c) {
		return ErrContextNotFound
	}
	c.meta.LastActiveAt = s.now()
	return nil
}

func (s *MemoryStore) ListContexts(_ context.Context, limit int) ([]Context, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		if s.expired(c) {
			continue
		}
		out = append(out, c.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, contextID, taskID string, env schema.Envelope) (Item, error) {
	if env == nil {
		return Item{}, fmt.Errorf("envelope is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok || s.expired(c) {
		return Item{}, ErrContextNotFound
	}
	item := Item{
		ID:        s.newIDFn(),
		ContextID: contextID,
		Kind:      env.EnvelopeKind(),
		TaskID:    taskID,
		Envelope:  env,
		CreatedAt: s.now(),
	}
	c.items = append(c.items, item)
	return item, nil
}

func (s *MemoryStore) Load(_ context.Context, contextID string, opts LoadOptions) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[contextID]
	if !ok || s.expired(c) {
		return nil, ErrContextNotFound
	}
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		if opts.AsOfID != "" && item.ID > opts.AsOfID {
			continue
		}
		out = append(out, item)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Truncate(_ context.Context, contextID, fromID string, force bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok || s.expired(c) {
		return 0, ErrContextNotFound
	}

	cut := len(c.items)
	for i, item := range c.items {
		if item.ID >= fromID {
			cut = i
			break
		}
	}
	if !force {
		for _, item := range c.items[cut:] {
			if item.Kind == schema.KindArtifact {
				return 0, ErrArtifactFence
			}
		}
	}
	removed := len(c.items) - cut
	c.items = c.items[:cut]
	return removed, nil
}

func (s *MemoryStore) DeleteInactiveSince(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.contexts {
		if c.meta.LastActiveAt.Before(cutoff) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed, nil
}

// expired reports TTL expiry; callers hold at least a read lock.
func (s *MemoryStore) expired(c *memContext) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().Sub(c.meta.LastActiveAt) > s.ttl
}

// evictLocked drops the least recently active context beyond the bound.
func (s *MemoryStore) evictLocked() {
	for len(s.contexts) > s.maxContexts {
		var oldestID string
		var oldest time.Time
		for id, c := range s.contexts {
			if oldestID == "" || c.meta.LastActiveAt.Before(oldest) {
				oldestID = id
				oldest = c.meta.LastActiveAt
			}
		}
		delete(s.contexts, oldestID)
	}
}
