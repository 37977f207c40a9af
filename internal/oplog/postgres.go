package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"quire/api/internal/block"
	"quire/api/internal/wire"
)

// Postgres stores logs in the op_log table. Positions are allocated from
// op_log_heads inside the append transaction, so they stay gapless.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Append(ctx context.Context, documentID string, op block.Operation) (Position, error) {
	body, err := wire.EncodeOperation(op)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAppend, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrAppend, err)
	}
	defer func() { _ = tx.Rollback() }()

	var pos int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO op_log_heads (document_id, head, start_position)
		VALUES ($1, 1, 1)
		ON CONFLICT (document_id) DO UPDATE SET head = op_log_heads.head + 1
		RETURNING head
	`, documentID).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("%w: allocate position: %v", ErrAppend, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO op_log (document_id, position, op_id, actor_id, clock, seq, kind, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, documentID, pos, op.ID, op.Actor, int64(op.Clock), int64(op.Seq), string(op.Kind()), body)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrAppend, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrAppend, err)
	}
	return Position(pos), nil
}

func (p *Postgres) ReadSince(ctx context.Context, documentID string, after Position) iter.Seq2[Entry, error] {
	return paged(ctx, after, func(ctx context.Context, cursor Position) ([]Entry, error) {
		start, err := p.start(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if cursor+1 < start {
			return nil, fmt.Errorf("%w: %s before %d", ErrTruncated, documentID, start)
		}
		return p.page(ctx, documentID, cursor)
	})
}

func (p *Postgres) page(ctx context.Context, documentID string, after Position) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT position, body, appended_at
		FROM op_log
		WHERE document_id = $1 AND position > $2
		ORDER BY position
		LIMIT $3
	`, documentID, int64(after), pageSize)
	if err != nil {
		return nil, fmt.Errorf("read op log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			pos        int64
			body       []byte
			appendedAt time.Time
		)
		if err := rows.Scan(&pos, &body, &appendedAt); err != nil {
			return nil, fmt.Errorf("scan op log: %w", err)
		}
		op, err := wire.DecodeOperation(body)
		if err != nil {
			return nil, fmt.Errorf("op log position %d: %w", pos, err)
		}
		out = append(out, Entry{Position: Position(pos), Op: op, AppendedAt: appendedAt})
	}
	return out, rows.Err()
}

func (p *Postgres) start(ctx context.Context, documentID string) (Position, error) {
	var start int64
	err := p.db.QueryRowContext(ctx, `SELECT start_position FROM op_log_heads WHERE document_id = $1`, documentID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read op log start: %w", err)
	}
	return Position(start), nil
}

func (p *Postgres) Head(ctx context.Context, documentID string) (Position, error) {
	var head int64
	err := p.db.QueryRowContext(ctx, `SELECT head FROM op_log_heads WHERE document_id = $1`, documentID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read op log head: %w", err)
	}
	return Position(head), nil
}

func (p *Postgres) Truncate(ctx context.Context, documentID string, before Position) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE op_log_heads
		SET start_position = LEAST(head + 1, GREATEST(start_position, $2))
		WHERE document_id = $1
	`, documentID, int64(before))
	if err != nil {
		return fmt.Errorf("advance op log start: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM op_log
		WHERE document_id = $1
			AND position < (SELECT start_position FROM op_log_heads WHERE document_id = $1)
	`, documentID); err != nil {
		return fmt.Errorf("truncate op log: %w", err)
	}
	return tx.Commit()
}
