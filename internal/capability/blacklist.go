package capability

import (
	"sync"
	"time"
)

// Blacklist is a thread-safe set of revoked token IDs. Entries carry
// the token's natural expiry so Cleanup can drop them once Verify
// would reject the token anyway.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewBlacklist() *Blacklist {
	return &Blacklist{entries: map[string]time.Time{}}
}

func (b *Blacklist) Revoke(tokenID string, tokenExpiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tokenID] = tokenExpiresAt
}

func (b *Blacklist) IsRevoked(tokenID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, revoked := b.entries[tokenID]
	return revoked
}

// Cleanup removes entries whose token expiry has passed and returns
// the number removed.
func (b *Blacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, expiry := range b.entries {
		if !now.Before(expiry) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
