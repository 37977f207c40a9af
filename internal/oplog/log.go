// Package oplog is the durable, append-only record of every accepted
// operation, kept per document. A document's state is always reproducible by
// replaying its log on top of the latest snapshot.
package oplog

import (
	"context"
	"errors"
	"iter"
	"time"

	"quire/api/internal/block"
)

// Position is a 1-based index into one document's log.
type Position uint64

// pageSize bounds how many entries a backend loads per round trip.
const pageSize = 256

var (
	// ErrAppend wraps every failure to make an operation durable. The
	// operation must not be applied or broadcast.
	ErrAppend = errors.New("oplog: append failed")

	// ErrTruncated is returned when reading from a position that has been
	// compacted away. The reader needs a snapshot first.
	ErrTruncated = errors.New("oplog: position truncated")
)

// Entry is one stored operation.
type Entry struct {
	Position   Position
	Op         block.Operation
	AppendedAt time.Time
}

// Log is implemented by every backend.
type Log interface {
	// Append stores op durably and returns its position.
	Append(ctx context.Context, documentID string, op block.Operation) (Position, error)
	// ReadSince yields entries with positions greater than after, in
	// position order. The sequence is finite and can be restarted from any
	// position it yielded.
	ReadSince(ctx context.Context, documentID string, after Position) iter.Seq2[Entry, error]
	// Head is the position of the last appended entry, zero for an empty log.
	Head(ctx context.Context, documentID string) (Position, error)
	// Truncate discards entries before the given position. Callers must
	// hold a durable snapshot covering them.
	Truncate(ctx context.Context, documentID string, before Position) error
}

// Collect drains ReadSince into a slice.
func Collect(ctx context.Context, l Log, documentID string, after Position) ([]Entry, error) {
	var out []Entry
	for e, err := range l.ReadSince(ctx, documentID, after) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Operations extracts the operations of entries.
func Operations(entries []Entry) []block.Operation {
	ops := make([]block.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Op
	}
	return ops
}

// paged adapts a page loader into a lazy sequence. load returns entries
// after the given position, at most pageSize of them.
func paged(ctx context.Context, after Position, load func(ctx context.Context, after Position) ([]Entry, error)) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		cursor := after
		for {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			page, err := load(ctx, cursor)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Position
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}
