package oplog

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"quire/api/internal/block"
)

type memoryDoc struct {
	// start is the first readable position; everything before it was
	// truncated.
	start   Position
	head    Position
	entries []Entry
}

// Memory keeps logs in process memory. Used in tests and local runs.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
	now  func() time.Time
	// FailAppend, when set, makes Append fail. Tests use it to simulate an
	// unavailable store.
	FailAppend func(op block.Operation) error
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]*memoryDoc{}, now: time.Now}
}

func (m *Memory) doc(documentID string) *memoryDoc {
	d, ok := m.docs[documentID]
	if !ok {
		d = &memoryDoc{start: 1}
		m.docs[documentID] = d
	}
	return d
}

func (m *Memory) Append(ctx context.Context, documentID string, op block.Operation) (Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		if err := m.FailAppend(op); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAppend, err)
		}
	}
	d := m.doc(documentID)
	for _, e := range d.entries {
		if e.Op.Actor == op.Actor && e.Op.Clock == op.Clock {
			return 0, fmt.Errorf("%w: duplicate clock %d for actor %s", ErrAppend, op.Clock, op.Actor)
		}
	}
	d.head++
	d.entries = append(d.entries, Entry{Position: d.head, Op: op, AppendedAt: m.now()})
	return d.head, nil
}

func (m *Memory) ReadSince(ctx context.Context, documentID string, after Position) iter.Seq2[Entry, error] {
	return paged(ctx, after, func(_ context.Context, cursor Position) ([]Entry, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		d, ok := m.docs[documentID]
		if !ok {
			return nil, nil
		}
		if cursor+1 < d.start {
			return nil, fmt.Errorf("%w: %s before %d", ErrTruncated, documentID, d.start)
		}
		i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Position > cursor })
		end := min(i+pageSize, len(d.entries))
		return append([]Entry(nil), d.entries[i:end]...), nil
	})
}

func (m *Memory) Head(_ context.Context, documentID string) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.docs[documentID]; ok {
		return d.head, nil
	}
	return 0, nil
}

func (m *Memory) Truncate(_ context.Context, documentID string, before Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(documentID)
	before = min(before, d.head+1)
	if before <= d.start {
		return nil
	}
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].Position >= before })
	d.entries = append([]Entry(nil), d.entries[i:]...)
	d.start = before
	return nil
}
