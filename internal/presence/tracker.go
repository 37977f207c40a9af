// Package presence tracks who is looking at a document and where their
// cursor is. Entries are ephemeral: they are never logged and vanish when
// the actor disconnects or stops reporting.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one actor's presence in a document.
type Entry struct {
	ActorID   string    `json:"actorId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	BlockID   string    `json:"blockId,omitempty"`
	Offset    int       `json:"offset"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker holds the presence entries of one document.
type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]Entry
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]Entry{},
	}
}

// Update records e, stamping it with the current time.
func (t *Tracker) Update(e Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.UpdatedAt = t.now()
	t.entries[e.ActorID] = e
	return e
}

// Touch refreshes an existing entry without moving its cursor.
func (t *Tracker) Touch(actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[actorID]
	if !ok {
		return false
	}
	e.UpdatedAt = t.now()
	t.entries[actorID] = e
	return true
}

func (t *Tracker) Get(actorID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[actorID]
	return e, ok
}

func (t *Tracker) Remove(actorID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[actorID]
	if ok {
		delete(t.entries, actorID)
	}
	return e, ok
}

// Expire drops entries not updated within the TTL and returns them.
func (t *Tracker) Expire() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	var expired []Entry
	for id, e := range t.entries {
		if e.UpdatedAt.Before(cutoff) {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	sortEntries(expired)
	return expired
}

// List returns the live entries ordered by actor id.
func (t *Tracker) List() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.ActorID, b.ActorID)
	})
}
