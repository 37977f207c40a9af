package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"quire/api/internal/auth"
	"quire/api/internal/block"
	"quire/api/internal/config"
	"quire/api/internal/export"
	"quire/api/internal/gitrepo"
	"quire/api/internal/oplog"
	"quire/api/internal/presence"
	"quire/api/internal/rbac"
	"quire/api/internal/search"
	"quire/api/internal/session"
	"quire/api/internal/snapshot"
	"quire/api/internal/store"
	"quire/api/internal/util"
	"quire/api/internal/wire"
)

const excerptRunes = 200

type dataStore interface {
	CreateDocument(context.Context, store.Document, string) error
	ListDocuments(context.Context, string, store.ListFilter) ([]store.Document, error)
	SetStar(context.Context, string, string, bool) error
	GetDocument(context.Context, string) (store.Document, error)
	SaveSummary(context.Context, string, store.Summary) error
	MemberRole(context.Context, string, string) (rbac.Role, error)
	ListMembers(context.Context, string) ([]store.Member, error)
	UpsertMember(context.Context, store.Member) error
	RemoveMember(context.Context, string, string) error
	Ping(context.Context) error
}

type gitStore interface {
	EnsureDocumentRepo(string, gitrepo.Content, string) error
	Checkpoint(string, gitrepo.Content, string, string) (gitrepo.Commit, bool, error)
	History(string, int) ([]gitrepo.Commit, error)
}

// Pinger is an optional dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(context.Context) error
}

// Deps bundles what the service is built from. Search, Export, Snapshots
// and Presence may be nil.
type Deps struct {
	Store     dataStore
	Git       gitStore
	Search    *search.Service
	Export    *export.Service
	Log       oplog.Log
	Snapshots snapshot.Store
	Presence  session.PresenceMirror
	Ready     map[string]Pinger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	git      gitStore
	search   *search.Service
	exporter *export.Service
	log      oplog.Log
	coord    *session.Coordinator
	ready    map[string]Pinger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		git:      deps.Git,
		search:   deps.Search,
		exporter: deps.Export,
		log:      deps.Log,
		ready:    deps.Ready,
		now:      time.Now,
	}
	if s.exporter == nil {
		s.exporter = export.NewService()
	}
	sessionDeps := session.Deps{
		Log:          deps.Log,
		Snapshots:    deps.Snapshots,
		Authorizer:   session.AuthorizerFunc(s.allowed),
		Checkpointer: s,
		Presence:     deps.Presence,
	}
	coord, err := session.NewCoordinator(sessionDeps, session.Config{
		PresenceTTL:        cfg.PresenceTTL,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		SnapshotEvery:      cfg.SnapshotEvery,
		TombstoneTTL:       cfg.TombstoneTTL,
		CompactionInterval: cfg.CompactionInterval,
		HubIdleTimeout:     cfg.HubIdleTimeout,
		SubscriberBuffer:   cfg.SubscriberBuffer,
		AppendTimeout:      cfg.AppendTimeout,
		IdleCacheSize:      cfg.IdleCacheSize,
	})
	if err != nil {
		return nil, err
	}
	s.coord = coord
	return s, nil
}

// Close stops every live document, saving final snapshots.
func (s *Service) Close() {
	s.coord.Close()
}

func (s *Service) Coordinator() *session.Coordinator {
	return s.coord
}

// IdentityFromToken verifies a bearer token.
func (s *Service) IdentityFromToken(token string) (session.Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return session.Identity{}, err
	}
	return session.Identity{UserID: claims.Subject, Name: claims.Name}, nil
}

func (s *Service) allowed(ctx context.Context, documentID, userID string, action rbac.Action) (bool, error) {
	role, err := s.store.MemberRole(ctx, documentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.Can(role, action), nil
}

func (s *Service) authorize(ctx context.Context, id session.Identity, documentID string, action rbac.Action) error {
	ok, err := s.allowed(ctx, documentID, id.UserID, action)
	if err != nil {
		return err
	}
	if !ok {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// Ping checks the database and every optional dependency. The returned
// map holds one error per failing check.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	for name, p := range s.ready {
		checks[name] = p.Ping(ctx)
	}
	return checks
}

// CreateDocument registers a document with the caller as admin. A title is
// written through the operation log like any other edit.
func (s *Service) CreateDocument(ctx context.Context, id session.Identity, title string) (store.Document, error) {
	title = strings.TrimSpace(title)
	doc := store.Document{
		ID:        util.NewID("doc"),
		CreatedBy: id.UserID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateDocument(ctx, doc, id.Name); err != nil {
		return store.Document{}, err
	}
	if err := s.git.EnsureDocumentRepo(doc.ID, gitrepo.Content{}, id.Name); err != nil {
		log.Printf("git: init history for %s: %v", doc.ID, err)
	}
	if title != "" {
		op := block.Operation{
			ID:         util.NewID("op"),
			DocumentID: doc.ID,
			Actor:      session.NewActorID(id.UserID),
			Clock:      1,
			Seq:        1,
			Payload:    block.SetTitle{Title: title},
		}
		if _, err := s.coord.Submit(ctx, id, op); err != nil {
			return store.Document{}, fmt.Errorf("set initial title: %w", err)
		}
		doc.Title = title
	}
	return doc, nil
}

// ListDocuments returns the caller's documents narrowed by filter, which is
// empty, "all", "starred" or "shared".
func (s *Service) ListDocuments(ctx context.Context, id session.Identity, filter string) ([]store.Document, error) {
	f, ok := store.ParseListFilter(filter)
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "filter must be all, starred or shared", map[string]any{"filter": filter})
	}
	return s.store.ListDocuments(ctx, id.UserID, f)
}

// SetStar stars or unstars a readable document for the caller.
func (s *Service) SetStar(ctx context.Context, id session.Identity, documentID string, starred bool) error {
	if err := s.authorize(ctx, id, documentID, rbac.ActionRead); err != nil {
		return err
	}
	return s.store.SetStar(ctx, documentID, id.UserID, starred)
}

// DocumentView is a document's metadata with its live content.
type DocumentView struct {
	ID        string         `json:"id"`
	CreatedBy string         `json:"createdBy"`
	CreatedAt time.Time      `json:"createdAt"`
	Role      rbac.Role      `json:"role"`
	Position  uint64         `json:"position"`
	Snapshot  block.Snapshot `json:"snapshot"`
}

func (s *Service) GetDocument(ctx context.Context, id session.Identity, documentID string) (DocumentView, error) {
	meta, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	role, err := s.store.MemberRole(ctx, documentID, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return DocumentView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err != nil {
		return DocumentView{}, err
	}
	snap, pos, err := s.coord.Snapshot(ctx, id, documentID)
	if err != nil {
		return DocumentView{}, err
	}
	return DocumentView{
		ID:        meta.ID,
		CreatedBy: meta.CreatedBy,
		CreatedAt: meta.CreatedAt,
		Role:      role,
		Position:  uint64(pos),
		Snapshot:  snap,
	}, nil
}

// Submit hands one operation to the document's session.
func (s *Service) Submit(ctx context.Context, id session.Identity, documentID string, op block.Operation) (session.Ack, error) {
	op, err := s.checkTarget(ctx, documentID, op)
	if err != nil {
		return session.Ack{}, err
	}
	return s.coord.Submit(ctx, id, op)
}

// SubmitFrom submits op for a live connection; the ack also arrives on the
// subscription, in log order with the deltas.
func (s *Service) SubmitFrom(ctx context.Context, sub *session.Subscription, op block.Operation) (session.Ack, error) {
	op, err := s.checkTarget(ctx, sub.DocumentID, op)
	if err != nil {
		return session.Ack{}, err
	}
	return s.coord.SubmitFrom(ctx, sub, op)
}

func (s *Service) checkTarget(ctx context.Context, documentID string, op block.Operation) (block.Operation, error) {
	if op.DocumentID == "" {
		op.DocumentID = documentID
	}
	if op.DocumentID != documentID {
		return op, fmt.Errorf("%w: operation targets %s", block.ErrInvalidOperation, op.DocumentID)
	}
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return op, err
	}
	return op, nil
}

// OpsSince returns logged operations after since, encoded for clients,
// and the log head they reach.
func (s *Service) OpsSince(ctx context.Context, id session.Identity, documentID string, since uint64) ([]wire.Record, uint64, error) {
	if err := s.authorize(ctx, id, documentID, rbac.ActionRead); err != nil {
		return nil, 0, err
	}
	entries, err := oplog.Collect(ctx, s.log, documentID, oplog.Position(since))
	if err != nil {
		return nil, 0, err
	}
	records := make([]wire.Record, 0, len(entries))
	head := since
	for _, e := range entries {
		records = append(records, wire.FromOperation(e.Op))
		head = uint64(e.Position)
	}
	return records, head, nil
}

func (s *Service) Presence(ctx context.Context, id session.Identity, documentID string) ([]presence.Entry, error) {
	if err := s.authorize(ctx, id, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.coord.Presence(ctx, documentID), nil
}

func (s *Service) History(ctx context.Context, id session.Identity, documentID string, limit int) ([]gitrepo.Commit, error) {
	if err := s.authorize(ctx, id, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.git.History(documentID, limit)
	if errors.Is(err, gitrepo.ErrNoRepo) {
		return []gitrepo.Commit{}, nil
	}
	return items, err
}

func (s *Service) Export(ctx context.Context, id session.Identity, documentID string, format export.Format) (*export.Result, error) {
	meta, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.coord.Snapshot(ctx, id, documentID)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, snap, format, export.Meta{UpdatedAt: meta.UpdatedAt, Author: meta.CreatedBy})
}

func (s *Service) Compact(ctx context.Context, id session.Identity, documentID string) (session.Compaction, error) {
	if err := s.authorize(ctx, id, documentID, rbac.ActionAdmin); err != nil {
		return session.Compaction{}, err
	}
	return s.coord.Compact(ctx, documentID)
}

// MemberInput is the body of a membership change. An empty role removes
// the member.
type MemberInput struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// SetMember adds, changes or removes a member. A document always keeps at
// least one admin.
func (s *Service) SetMember(ctx context.Context, id session.Identity, documentID string, in MemberInput) ([]store.Member, error) {
	if err := s.authorize(ctx, id, documentID, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if in.Role != "" && !rbac.Valid(in.Role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be viewer, editor or admin", nil)
	}

	members, err := s.store.ListMembers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if in.Role != string(rbac.RoleAdmin) && lastAdmin(members, in.UserID) {
		return nil, domainError(http.StatusConflict, "LAST_ADMIN", "A document needs at least one admin", nil)
	}

	if in.Role == "" {
		if err := s.store.RemoveMember(ctx, documentID, in.UserID); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.UpsertMember(ctx, store.Member{
			DocumentID:  documentID,
			UserID:      in.UserID,
			DisplayName: in.DisplayName,
			Role:        in.Role,
		}); err != nil {
			return nil, err
		}
	}
	return s.store.ListMembers(ctx, documentID)
}

func lastAdmin(members []store.Member, userID string) bool {
	admins := 0
	target := false
	for _, m := range members {
		if rbac.Normalize(m.Role) != rbac.RoleAdmin {
			continue
		}
		admins++
		if m.UserID == userID {
			target = true
		}
	}
	return target && admins == 1
}

// Search looks through every document the caller can read.
func (s *Service) Search(ctx context.Context, id session.Identity, q string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	docs, err := s.store.ListDocuments(ctx, id.UserID, store.FilterAll)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return s.search.Search(search.Query{Text: q, DocumentIDs: ids, Limit: limit, Offset: offset}), nil
}

// Checkpoint refreshes the document summary, the search index and the
// git history from a snapshot. Failures are logged; the snapshot itself is
// already durable.
func (s *Service) Checkpoint(ctx context.Context, cp session.Checkpoint) {
	summary := Summarize(cp.Snapshot)
	if err := s.store.SaveSummary(ctx, cp.DocumentID, summary); err != nil {
		log.Printf("checkpoint: save summary for %s: %v", cp.DocumentID, err)
	}

	markdown := export.Markdown(cp.Snapshot)
	if s.search != nil {
		s.search.IndexDocument(search.DocumentRecord{
			ID:       cp.DocumentID,
			Title:    summary.Title,
			Excerpt:  summary.Excerpt,
			Body:     plainText(cp.Snapshot),
			Revision: summary.Revision,
		})
	}

	content := gitrepo.Content{
		Title:    cp.Snapshot.Title,
		Revision: cp.Snapshot.Revision,
		Position: uint64(cp.Position),
		Markdown: markdown,
	}
	message := fmt.Sprintf("Checkpoint revision %d\n\nposition: %d", cp.Snapshot.Revision, cp.Position)
	if _, _, err := s.git.Checkpoint(cp.DocumentID, content, "quire", message); err != nil {
		log.Printf("checkpoint: git history for %s: %v", cp.DocumentID, err)
	}
}

// Summarize derives the metadata row of a document from its snapshot.
func Summarize(snap block.Snapshot) store.Summary {
	summary := store.Summary{
		Title:      snap.Title,
		Revision:   snap.Revision,
		BlockCount: len(snap.Blocks),
		Blocks:     make([]store.BlockText, 0, len(snap.Blocks)),
	}
	for i, v := range snap.Blocks {
		summary.Blocks = append(summary.Blocks, store.BlockText{
			BlockID: v.ID,
			Ordinal: i,
			Kind:    string(v.Kind),
			Content: v.Content,
		})
		if summary.Excerpt == "" && strings.TrimSpace(v.Content) != "" && v.Kind != block.KindCode {
			summary.Excerpt = truncateRunes(strings.Join(strings.Fields(v.Content), " "), excerptRunes)
		}
	}
	return summary
}

func plainText(snap block.Snapshot) string {
	parts := make([]string, 0, len(snap.Blocks))
	for _, v := range snap.Blocks {
		if v.Content != "" {
			parts = append(parts, v.Content)
		}
	}
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
