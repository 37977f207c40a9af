package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quire/api/internal/rbac"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// CreateDocument inserts the document and makes its creator an admin.
func (s *PostgresStore) CreateDocument(ctx context.Context, item Document, creatorName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, created_by)
		VALUES ($1, $2, $3)
	`, item.ID, item.Title, item.CreatedBy); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_members (document_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.CreatedBy, creatorName, string(rbac.RoleAdmin)); err != nil {
		return fmt.Errorf("insert creator membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create document: %w", err)
	}
	return nil
}

// ListDocuments returns the documents userID is a member of, each with the
// user's star and the display names of every member.
func (s *PostgresStore) ListDocuments(ctx context.Context, userID string, filter ListFilter) ([]Document, error) {
	query := `
		SELECT d.id, d.title, d.excerpt, d.revision, d.block_count, d.created_by, d.created_at, d.updated_at,
			st.user_id IS NOT NULL,
			(SELECT COALESCE(json_agg(COALESCE(NULLIF(c.display_name, ''), c.user_id) ORDER BY c.added_at, c.user_id), '[]'::json)
				FROM document_members c WHERE c.document_id = d.id)
		FROM documents d
		JOIN document_members m ON m.document_id = d.id
		LEFT JOIN document_stars st ON st.document_id = d.id AND st.user_id = m.user_id
		WHERE m.user_id = $1`
	switch filter {
	case FilterStarred:
		query += ` AND st.user_id IS NOT NULL`
	case FilterShared:
		query += ` AND (SELECT count(*) FROM document_members c WHERE c.document_id = d.id) > 1`
	}
	query += ` ORDER BY d.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var (
			item          Document
			collaborators []byte
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.Excerpt, &item.Revision, &item.BlockCount, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &item.Starred, &collaborators); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(collaborators, &item.Collaborators); err != nil {
			return nil, fmt.Errorf("decode collaborators of %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// SetStar stars or unstars a document for userID. Both are idempotent.
func (s *PostgresStore) SetStar(ctx context.Context, documentID, userID string, starred bool) error {
	var err error
	if starred {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO document_stars (document_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (document_id, user_id) DO NOTHING
		`, documentID, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM document_stars WHERE document_id=$1 AND user_id=$2
		`, documentID, userID)
	}
	if err != nil {
		return fmt.Errorf("set star on %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, excerpt, revision, block_count, created_by, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.Excerpt, &item.Revision, &item.BlockCount, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

// SaveSummary refreshes the document row and its searchable block text.
// Older revisions never overwrite newer ones.
func (s *PostgresStore) SaveSummary(ctx context.Context, documentID string, summary Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save summary: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, excerpt=$3, revision=$4, block_count=$5, updated_at=NOW()
		WHERE id=$1 AND revision <= $4
	`, documentID, summary.Title, summary.Excerpt, summary.Revision, summary.BlockCount)
	if err != nil {
		return fmt.Errorf("update document summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_blocks WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("clear document blocks: %w", err)
	}
	for _, b := range summary.Blocks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_blocks (document_id, block_id, ordinal, kind, content)
			VALUES ($1, $2, $3, $4, $5)
		`, documentID, b.BlockID, b.Ordinal, b.Kind, b.Content); err != nil {
			return fmt.Errorf("insert document block %s: %w", b.BlockID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) MemberRole(ctx context.Context, documentID, userID string) (rbac.Role, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM document_members WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("member %s of %s: %w", userID, documentID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get member role: %w", err)
	}
	return rbac.Normalize(role), nil
}

// Allowed reports whether userID's membership permits action. Non-members
// are refused.
func (s *PostgresStore) Allowed(ctx context.Context, documentID, userID string, action rbac.Action) (bool, error) {
	role, err := s.MemberRole(ctx, documentID, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.Can(role, action), nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, documentID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, user_id, display_name, role, added_at
		FROM document_members
		WHERE document_id=$1
		ORDER BY added_at, user_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.DocumentID, &item.UserID, &item.DisplayName, &item.Role, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, member Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_members (document_id, user_id, display_name, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, role=EXCLUDED.role
	`, member.DocumentID, member.UserID, member.DisplayName, member.Role)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, documentID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM document_members WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %s of %s: %w", userID, documentID, ErrNotFound)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
