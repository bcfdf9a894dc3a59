package idgen

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for context and task ids.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

var (
	historyMu      sync.Mutex
	historyEntropy = ulid.Monotonic(rand.Reader, 0)
)

// HistoryID returns a ULID for a history item. IDs generated by one
// process are strictly increasing, so lexicographic order matches
// append order.
func HistoryID() string {
	historyMu.Lock()
	defer historyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), historyEntropy).String()
}

var customIDPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateCustomID checks that id is a valid client-provided task ID.
// Rules: lowercase letters, digits, and dashes; must start with a letter and
// end with a letter or digit; max 64 characters.
func ValidateCustomID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("custom id too long (max 64 characters)")
	}
	if !customIDPattern.MatchString(id) {
		return fmt.Errorf("custom id %q is invalid: must match %s", id, customIDPattern.String())
	}
	return nil
}
