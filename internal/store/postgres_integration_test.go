package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quire/api/internal/rbac"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("QUIRE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("QUIRE_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE documents CASCADE`); err != nil {
		t.Fatalf("truncate documents: %v", err)
	}
	return NewPostgresStore(db)
}

func TestDocumentMembershipPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc_it", Title: "Plan", CreatedBy: "usr_avery"}
	if err := s.CreateDocument(ctx, doc, "Avery"); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	ok, err := s.Allowed(ctx, doc.ID, "usr_avery", rbac.ActionAdmin)
	if err != nil || !ok {
		t.Fatalf("creator Allowed(admin) = %v, %v", ok, err)
	}
	ok, err = s.Allowed(ctx, doc.ID, "usr_stranger", rbac.ActionRead)
	if err != nil || ok {
		t.Fatalf("stranger Allowed(read) = %v, %v", ok, err)
	}

	if err := s.UpsertMember(ctx, Member{DocumentID: doc.ID, UserID: "usr_blake", DisplayName: "Blake", Role: "viewer"}); err != nil {
		t.Fatalf("UpsertMember() error = %v", err)
	}
	if ok, _ := s.Allowed(ctx, doc.ID, "usr_blake", rbac.ActionWrite); ok {
		t.Fatal("viewer may write")
	}
	if err := s.UpsertMember(ctx, Member{DocumentID: doc.ID, UserID: "usr_blake", DisplayName: "Blake", Role: "editor"}); err != nil {
		t.Fatalf("UpsertMember(promote) error = %v", err)
	}
	if ok, _ := s.Allowed(ctx, doc.ID, "usr_blake", rbac.ActionWrite); !ok {
		t.Fatal("editor may not write")
	}

	members, err := s.ListMembers(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("ListMembers() = %+v", members)
	}

	docs, err := s.ListDocuments(ctx, "usr_blake", FilterAll)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("ListDocuments() = %+v", docs)
	}
	if got := docs[0].Collaborators; len(got) != 2 || got[0] != "Avery" || got[1] != "Blake" {
		t.Fatalf("Collaborators = %v", got)
	}

	if err := s.RemoveMember(ctx, doc.ID, "usr_blake"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if err := s.RemoveMember(ctx, doc.ID, "usr_blake"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RemoveMember(again) error = %v, want ErrNotFound", err)
	}
}

func TestSaveSummaryIgnoresOlderRevisionsPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, Document{ID: "doc_sum", CreatedBy: "usr_avery"}, "Avery"); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	newer := Summary{
		Title:      "Roadmap",
		Excerpt:    "Ship the editor",
		Revision:   9,
		BlockCount: 1,
		Blocks:     []BlockText{{BlockID: "b1", Ordinal: 0, Kind: "paragraph", Content: "Ship the editor"}},
	}
	if err := s.SaveSummary(ctx, "doc_sum", newer); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}
	if err := s.SaveSummary(ctx, "doc_sum", Summary{Title: "Stale", Revision: 4}); err != nil {
		t.Fatalf("SaveSummary(stale) error = %v", err)
	}

	got, err := s.GetDocument(ctx, "doc_sum")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.Title != "Roadmap" || got.Revision != 9 || got.BlockCount != 1 {
		t.Fatalf("GetDocument() = %+v", got)
	}
	if _, err := s.GetDocument(ctx, "doc_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetDocument(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStarsAndFiltersPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"doc_solo", "doc_team"} {
		if err := s.CreateDocument(ctx, Document{ID: id, CreatedBy: "usr_avery"}, "Avery"); err != nil {
			t.Fatalf("CreateDocument(%s) error = %v", id, err)
		}
	}
	if err := s.UpsertMember(ctx, Member{DocumentID: "doc_team", UserID: "usr_blake", Role: "editor"}); err != nil {
		t.Fatalf("UpsertMember() error = %v", err)
	}
	if err := s.SetStar(ctx, "doc_solo", "usr_avery", true); err != nil {
		t.Fatalf("SetStar() error = %v", err)
	}
	if err := s.SetStar(ctx, "doc_solo", "usr_avery", true); err != nil {
		t.Fatalf("SetStar(again) error = %v", err)
	}

	ids := func(filter ListFilter, userID string) []string {
		t.Helper()
		docs, err := s.ListDocuments(ctx, userID, filter)
		if err != nil {
			t.Fatalf("ListDocuments(%s) error = %v", filter, err)
		}
		out := make([]string, 0, len(docs))
		for _, d := range docs {
			out = append(out, d.ID)
		}
		return out
	}
	if got := ids(FilterStarred, "usr_avery"); len(got) != 1 || got[0] != "doc_solo" {
		t.Fatalf("starred = %v", got)
	}
	if got := ids(FilterShared, "usr_avery"); len(got) != 1 || got[0] != "doc_team" {
		t.Fatalf("shared = %v", got)
	}
	if got := ids(FilterStarred, "usr_blake"); len(got) != 0 {
		t.Fatalf("stars leaked to another user: %v", got)
	}

	docs, err := s.ListDocuments(ctx, "usr_blake", FilterAll)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Starred || len(docs[0].Collaborators) != 2 || docs[0].Collaborators[1] != "usr_blake" {
		t.Fatalf("blake's view = %+v", docs)
	}

	if err := s.SetStar(ctx, "doc_solo", "usr_avery", false); err != nil {
		t.Fatalf("SetStar(false) error = %v", err)
	}
	if got := ids(FilterStarred, "usr_avery"); len(got) != 0 {
		t.Fatalf("starred after unstar = %v", got)
	}
}
