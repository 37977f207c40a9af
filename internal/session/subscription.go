package session

import (
	"sync"

	"quire/api/internal/block"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
	"quire/api/internal/util"
)

type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventDelta        EventKind = "delta"
	EventPresence     EventKind = "presence"
	EventPresenceLeft EventKind = "presence_left"
	// EventAck answers the subscription's own submission.
	EventAck EventKind = "ack"
)

// Event is one message delivered to a subscriber. Kind selects the field
// that is set.
type Event struct {
	Kind     EventKind
	Position oplog.Position
	Snapshot *block.Snapshot
	Delta    *block.Delta
	Presence *presence.Entry
	Online   []presence.Entry
	Ack      *Ack
}

// Subscription is one connected actor. Events stops when the actor is
// disconnected, dropped for being slow, or the coordinator closes.
type Subscription struct {
	ID         string
	DocumentID string
	ActorID    string
	Identity   Identity

	events chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

func newSubscription(documentID, actorID string, id Identity, buffer int) *Subscription {
	return &Subscription{
		ID:         util.NewID("sub"),
		DocumentID: documentID,
		ActorID:    actorID,
		Identity:   id,
		events:     make(chan Event, buffer),
	}
}

func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports why delivery stopped. It is nil while the subscription is
// live and after a plain disconnect.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// offer queues ev without blocking. It reports false when the buffer is
// full.
func (s *Subscription) offer(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// close is only called from the owning hub goroutine.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}
