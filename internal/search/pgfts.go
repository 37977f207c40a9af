package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It returns document hits from titles and excerpts and block hits from
// the plain-text block copy kept in document_blocks.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsUnion = `
	SELECT 'document'::text AS type, d.id, d.title,
		ts_headline('english', coalesce(d.excerpt, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
		d.id AS document_id, ''::text AS block_id,
		ts_rank(d.fts, plainto_tsquery('english', $1)) AS rank
	FROM documents d
	WHERE d.fts @@ plainto_tsquery('english', $1) AND d.id = ANY($2)
	UNION ALL
	SELECT 'block'::text AS type, b.document_id || '/' || b.block_id, d.title,
		ts_headline('english', b.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
		b.document_id, b.block_id,
		ts_rank(b.fts, plainto_tsquery('english', $1)) AS rank
	FROM document_blocks b
	JOIN documents d ON d.id = b.document_id
	WHERE b.fts @@ plainto_tsquery('english', $1) AND b.document_id = ANY($2)`

// Search runs a UNION ALL over documents and blocks ranked with ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.DocumentIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)
	args := []any{q.Text, q.DocumentIDs}
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+pgftsUnion+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, document_id, block_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, pgftsUnion, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.BlockID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every document with its block text for full
// reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.excerpt, d.revision,
			coalesce(string_agg(b.content, E'\n' ORDER BY b.ordinal), '')
		FROM documents d
		LEFT JOIN document_blocks b ON b.document_id = d.id
		GROUP BY d.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var revision int64
		if err := rows.Scan(&d.ID, &d.Title, &d.Excerpt, &revision, &d.Body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Revision = uint64(revision)
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
