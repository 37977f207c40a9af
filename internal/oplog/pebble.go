package oplog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"quire/api/internal/block"
	"quire/api/internal/wire"
)

// Key layout, all under a per-document prefix:
//
//	L<doc>\x00<position, 8 bytes BE>      stored entry
//	H<doc>                                head position
//	S<doc>                                first readable position
//	C<doc>\x00<actor>\x00<clock, 8 bytes>  (actor, clock) uniqueness marker
const (
	prefixEntry = 'L'
	prefixHead  = 'H'
	prefixStart = 'S'
	prefixClock = 'C'
)

// Pebble stores logs in an embedded Pebble database for single-node
// deployments.
type Pebble struct {
	db  *pebble.DB
	mu  sync.Mutex
	now func() time.Time
}

// OpenPebble opens or creates the database at dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble op log: %w", err)
	}
	return &Pebble{db: db, now: time.Now}, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

type pebbleEntry struct {
	AppendedAt time.Time `json:"at"`
	Body       []byte    `json:"body"`
}

func docKey(prefix byte, documentID string) []byte {
	k := make([]byte, 0, len(documentID)+2)
	k = append(k, prefix)
	return append(k, documentID...)
}

func entryKey(documentID string, pos Position) []byte {
	k := docKey(prefixEntry, documentID)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, uint64(pos))
}

func clockKey(documentID, actor string, clock uint64) []byte {
	k := docKey(prefixClock, documentID)
	k = append(k, 0)
	k = append(k, actor...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, clock)
}

func (p *Pebble) readPosition(key []byte, fallback Position) (Position, error) {
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt position under %q", key)
	}
	return Position(binary.BigEndian.Uint64(val)), nil
}

func encodePosition(pos Position) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(pos))
}

func (p *Pebble) Append(ctx context.Context, documentID string, op block.Operation) (Position, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	body, err := wire.EncodeOperation(op)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	value, err := wire.Marshal(pebbleEntry{AppendedAt: p.now().UTC(), Body: body})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ck := clockKey(documentID, op.Actor, op.Clock)
	if _, closer, err := p.db.Get(ck); err == nil {
		closer.Close()
		return 0, fmt.Errorf("%w: duplicate clock %d for actor %s", ErrAppend, op.Clock, op.Actor)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}

	head, err := p.readPosition(docKey(prefixHead, documentID), 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	pos := head + 1

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(documentID, pos), value, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := b.Set(docKey(prefixHead, documentID), encodePosition(pos), nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := b.Set(ck, nil, nil); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	if err := p.db.Apply(b, pebble.Sync); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}
	return pos, nil
}

func (p *Pebble) ReadSince(ctx context.Context, documentID string, after Position) iter.Seq2[Entry, error] {
	return paged(ctx, after, func(_ context.Context, cursor Position) ([]Entry, error) {
		start, err := p.readPosition(docKey(prefixStart, documentID), 1)
		if err != nil {
			return nil, fmt.Errorf("read op log start: %w", err)
		}
		if cursor+1 < start {
			return nil, fmt.Errorf("%w: %s before %d", ErrTruncated, documentID, start)
		}
		return p.page(documentID, cursor)
	})
}

func (p *Pebble) page(documentID string, after Position) ([]Entry, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(documentID, after+1),
		UpperBound: append(docKey(prefixEntry, documentID), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("read op log: %w", err)
	}
	defer it.Close()

	var out []Entry
	for valid := it.First(); valid && len(out) < pageSize; valid = it.Next() {
		key := it.Key()
		pos := Position(binary.BigEndian.Uint64(key[len(key)-8:]))
		var rec pebbleEntry
		if err := wire.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("op log position %d: %w", pos, err)
		}
		op, err := wire.DecodeOperation(rec.Body)
		if err != nil {
			return nil, fmt.Errorf("op log position %d: %w", pos, err)
		}
		out = append(out, Entry{Position: pos, Op: op, AppendedAt: rec.AppendedAt})
	}
	return out, it.Error()
}

func (p *Pebble) Head(_ context.Context, documentID string) (Position, error) {
	head, err := p.readPosition(docKey(prefixHead, documentID), 0)
	if err != nil {
		return 0, fmt.Errorf("read op log head: %w", err)
	}
	return head, nil
}

func (p *Pebble) Truncate(_ context.Context, documentID string, before Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	head, err := p.readPosition(docKey(prefixHead, documentID), 0)
	if err != nil {
		return fmt.Errorf("truncate op log: %w", err)
	}
	start, err := p.readPosition(docKey(prefixStart, documentID), 1)
	if err != nil {
		return fmt.Errorf("truncate op log: %w", err)
	}
	before = min(before, head+1)
	if before <= start {
		return nil
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(entryKey(documentID, 0), entryKey(documentID, before), nil); err != nil {
		return fmt.Errorf("truncate op log: %w", err)
	}
	if err := b.Set(docKey(prefixStart, documentID), encodePosition(before), nil); err != nil {
		return fmt.Errorf("truncate op log: %w", err)
	}
	return p.db.Apply(b, pebble.Sync)
}
