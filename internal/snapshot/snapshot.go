// Package snapshot persists full Block Store images so documents can be
// restored without replaying their whole log, and so the log can be
// truncated.
package snapshot

import (
	"context"
	"errors"
	"time"

	"quire/api/internal/block"
	"quire/api/internal/oplog"
)

var (
	ErrNotFound = errors.New("snapshot: not found")
	ErrCorrupt  = errors.New("snapshot: corrupt")
)

// Snapshot is a document image covering every log entry up to Position.
type Snapshot struct {
	DocumentID string         `json:"documentId"`
	Position   oplog.Position `json:"position"`
	Image      block.Image    `json:"image"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Store is implemented by snapshot backends.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	// Latest returns the snapshot with the highest position, or
	// ErrNotFound.
	Latest(ctx context.Context, documentID string) (Snapshot, error)
}
