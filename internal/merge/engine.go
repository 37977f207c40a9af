// Package merge turns operations into Block Store changes. Both steps are
// pure: they read and write only the state they are handed.
package merge

import (
	"errors"
	"fmt"
	"slices"

	"quire/api/internal/block"
)

// MaxClockLead bounds how far an operation's clock may run ahead of the
// largest clock the document has applied.
const MaxClockLead = 1 << 20

// Resolve checks op against the current state and fills in everything the
// log must record for replay to be deterministic, notably a concrete
// position key for anchor-based inserts and moves. The returned operation is
// what gets appended.
func Resolve(s *block.State, op block.Operation) (block.Operation, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	if op.DocumentID != s.DocumentID() {
		return op, fmt.Errorf("%w: operation targets document %s", block.ErrInvalidOperation, op.DocumentID)
	}
	if op.Clock <= s.Applied(op.Actor) {
		return op, block.ErrStaleClock
	}
	if top := s.MaxClock(); op.Clock > top && op.Clock-top > MaxClockLead {
		return op, fmt.Errorf("%w: clock %d runs more than %d ahead of the document", block.ErrInvalidOperation, op.Clock, MaxClockLead)
	}
	stamp := op.Stamp()

	switch p := op.Payload.(type) {
	case block.InsertBlock:
		if _, exists := s.Block(p.BlockID); exists || s.Retired(p.BlockID) {
			return op, fmt.Errorf("%w: %s", block.ErrDuplicateBlock, p.BlockID)
		}
		if p.Key == "" {
			key, err := anchorKey(s, p.After, "", stamp)
			if err != nil {
				return op, err
			}
			p.Key, p.After = key, ""
		}
		op.Payload = p
	case block.DeleteBlock:
		if _, err := observed(s, p.BlockID, stamp); err != nil {
			return op, err
		}
	case block.UpdateContent:
		if _, err := observed(s, p.BlockID, stamp); err != nil {
			return op, err
		}
	case block.UpdateKind:
		if _, err := observed(s, p.BlockID, stamp); err != nil {
			return op, err
		}
	case block.UpdateProperty:
		if _, err := observed(s, p.BlockID, stamp); err != nil {
			return op, err
		}
	case block.MoveBlock:
		if _, err := observed(s, p.BlockID, stamp); err != nil {
			return op, err
		}
		if p.Key == "" {
			key, err := anchorKey(s, p.After, p.BlockID, stamp)
			if err != nil {
				return op, err
			}
			p.Key, p.After = key, ""
		}
		op.Payload = p
	case block.SetTitle:
	default:
		return op, fmt.Errorf("%w: unsupported payload %T", block.ErrInvalidOperation, op.Payload)
	}
	return op, nil
}

// observed returns the live block id, provided the operation stamped s can
// have seen it.
func observed(s *block.State, id string, stamp block.Stamp) (*block.Block, error) {
	b, ok := s.Block(id)
	if !ok || b.Deleted() {
		return nil, fmt.Errorf("%w: %s", block.ErrUnknownBlock, id)
	}
	if b.Created().Clock >= stamp.Clock {
		return nil, fmt.Errorf("%w: %s created at clock %d", block.ErrCausality, id, b.Created().Clock)
	}
	return b, nil
}

// anchorKey computes a key right after the anchor block (or at the document
// start for an empty anchor). Starting at the anchor, it steps over every
// block placed with a greater stamp than the new operation: those are
// concurrent siblings or their descendants, and they sort ahead of it. The
// first block placed with a smaller stamp is the upper bound. Concurrent
// placements at one anchor therefore end up in descending stamp order
// whatever order they arrive in. A tombstoned anchor still places: its key
// is retained for exactly this.
//
// Blocks sharing the left key are stepped over too, since no key fits
// between equal keys.
func anchorKey(s *block.State, after, exclude string, stamp block.Stamp) (string, error) {
	var left string
	start := 0
	if after != "" {
		anchor, ok := s.Block(after)
		if !ok {
			return "", fmt.Errorf("%w: anchor %s", block.ErrUnknownBlock, after)
		}
		if anchor.Created().Clock >= stamp.Clock {
			return "", fmt.Errorf("%w: anchor %s created at clock %d", block.ErrCausality, after, anchor.Created().Clock)
		}
		left = anchor.Key()
		start = s.Index(after) + 1
	}

	var right string
	for i := start; i < s.Count(); i++ {
		b := s.At(i)
		if b.ID() == exclude {
			continue
		}
		if b.Key() <= left {
			continue
		}
		if b.Placed().Compare(stamp) > 0 {
			left = b.Key()
			continue
		}
		right = b.Key()
		break
	}
	return block.KeyBetween(left, right)
}

// Apply installs a resolved operation. Conflicts are settled per field:
//
//   - writes to the same register keep the greater (clock, actor) stamp;
//   - a delete beats every content, kind and property write to the same
//     block, whatever the clocks;
//   - moves are last-writer-wins on the key and also reposition tombstones,
//     so the outcome never depends on arrival order;
//   - an insert anchored on a deleted block still lands, using the
//     tombstone's key.
//
// Operations that lose every comparison still count as applied; the
// returned delta reports Changed=false.
func Apply(s *block.State, op block.Operation) (block.Delta, error) {
	if op.Clock <= s.Applied(op.Actor) {
		return block.Delta{}, block.ErrStaleClock
	}
	stamp := op.Stamp()
	delta := block.Delta{
		DocumentID: s.DocumentID(),
		OpID:       op.ID,
		Actor:      op.Actor,
		Clock:      op.Clock,
		Kind:       op.Kind(),
	}

	var (
		changed bool
		err     error
	)
	switch p := op.Payload.(type) {
	case block.InsertBlock:
		if p.Key == "" {
			return block.Delta{}, fmt.Errorf("%w: insert %s has no position key", block.ErrInvalidOperation, p.BlockID)
		}
		_, err = s.AddBlock(p.BlockID, p.Kind, p.Content, p.Key, p.Properties, stamp)
		changed = err == nil
	case block.DeleteBlock:
		err = s.Tombstone(p.BlockID, stamp)
		changed = err == nil
	case block.UpdateContent:
		changed, err = writeLive(s, p.BlockID, func() (bool, error) {
			return s.WriteContent(p.BlockID, p.Content, stamp)
		})
	case block.UpdateKind:
		changed, err = writeLive(s, p.BlockID, func() (bool, error) {
			return s.WriteKind(p.BlockID, p.Kind, stamp)
		})
	case block.UpdateProperty:
		changed, err = writeLive(s, p.BlockID, func() (bool, error) {
			return s.WriteProperty(p.BlockID, p.Name, p.Value, stamp)
		})
	case block.MoveBlock:
		if p.Key == "" {
			return block.Delta{}, fmt.Errorf("%w: move %s has no position key", block.ErrInvalidOperation, p.BlockID)
		}
		changed, err = s.WriteKey(p.BlockID, p.Key, stamp)
	case block.SetTitle:
		changed = s.WriteTitle(p.Title, stamp)
		title := s.Title()
		delta.Title = &title
	default:
		err = fmt.Errorf("%w: unsupported payload %T", block.ErrInvalidOperation, op.Payload)
	}
	if err != nil {
		return block.Delta{}, err
	}

	s.Commit(stamp)
	delta.Revision = s.Revision()
	delta.Changed = changed
	if id := op.Target(); id != "" {
		if b, ok := s.Block(id); ok {
			delta.Blocks = []block.View{b.View()}
		}
	}
	return delta, nil
}

// writeLive runs write unless the block is tombstoned. Deleted blocks
// silently drop field writes.
func writeLive(s *block.State, id string, write func() (bool, error)) (bool, error) {
	b, ok := s.Block(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", block.ErrUnknownBlock, id)
	}
	if b.Deleted() {
		return false, nil
	}
	return write()
}

// Replay rebuilds a document from logged operations.
func Replay(documentID string, ops []block.Operation) (*block.State, error) {
	s := block.New(documentID)
	if err := ReplayOnto(s, ops); err != nil {
		return nil, err
	}
	return s, nil
}

// ReplayOnto applies logged operations to s in (clock, actor, seq) order.
// Operations already covered by s are skipped.
func ReplayOnto(s *block.State, ops []block.Operation) error {
	sorted := slices.Clone(ops)
	slices.SortStableFunc(sorted, block.CompareOrder)
	for _, op := range sorted {
		if _, err := Apply(s, op); err != nil {
			if errors.Is(err, block.ErrStaleClock) {
				continue
			}
			return fmt.Errorf("replay %s: %w", op.ID, err)
		}
	}
	return nil
}
