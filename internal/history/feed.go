package history

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Feed fans appended history items out to live subscribers (the
// websocket endpoint). It carries no durable state; replay comes from
// the Store.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]*feedSubscriber
}

type feedSubscriber struct {
	contextID string
	ch        chan Item
}

func NewFeed() *Feed {
	return &Feed{subs: map[string]*feedSubscriber{}}
}

// Subscribe returns a channel of items appended under contextID; an
// empty contextID receives every context. The channel closes when ctx
// is done.
func (f *Feed) Subscribe(ctx context.Context, contextID string) <-chan Item {
	ch := make(chan Item, 64)
	id := ulid.Make().String()

	sub := &feedSubscriber{contextID: contextID, ch: ch}
	f.mu.Lock()
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish broadcasts an item to matching subscribers.
func (f *Feed) Publish(item Item) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if sub.contextID != "" && sub.contextID != item.ContextID {
			continue
		}
		select {
		case sub.ch <- item:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
