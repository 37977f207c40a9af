package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"quire/api/internal/auth"
	"quire/api/internal/block"
	"quire/api/internal/config"
	"quire/api/internal/gitrepo"
	"quire/api/internal/oplog"
	"quire/api/internal/rbac"
	"quire/api/internal/snapshot"
	"quire/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	mu        sync.Mutex
	documents map[string]store.Document
	members   map[string]map[string]store.Member
	summaries map[string]store.Summary
	stars     map[string]map[string]bool
	pingErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[string]store.Document{},
		members:   map[string]map[string]store.Member{},
		summaries: map[string]store.Summary{},
		stars:     map[string]map[string]bool{},
	}
}

func (f *fakeStore) CreateDocument(_ context.Context, item store.Document, creatorName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.UpdatedAt = item.CreatedAt
	f.documents[item.ID] = item
	f.members[item.ID] = map[string]store.Member{
		item.CreatedBy: {DocumentID: item.ID, UserID: item.CreatedBy, DisplayName: creatorName, Role: string(rbac.RoleAdmin)},
	}
	return nil
}

func (f *fakeStore) ListDocuments(_ context.Context, userID string, filter store.ListFilter) ([]store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Document, 0)
	for id, doc := range f.documents {
		if _, ok := f.members[id][userID]; !ok {
			continue
		}
		doc.Starred = f.stars[id][userID]
		if filter == store.FilterStarred && !doc.Starred {
			continue
		}
		if filter == store.FilterShared && len(f.members[id]) < 2 {
			continue
		}
		members := make([]store.Member, 0, len(f.members[id]))
		for _, m := range f.members[id] {
			members = append(members, m)
		}
		sort.Slice(members, func(i, j int) bool {
			if !members[i].AddedAt.Equal(members[j].AddedAt) {
				return members[i].AddedAt.Before(members[j].AddedAt)
			}
			return members[i].UserID < members[j].UserID
		})
		doc.Collaborators = nil
		for _, m := range members {
			name := m.DisplayName
			if name == "" {
				name = m.UserID
			}
			doc.Collaborators = append(doc.Collaborators, name)
		}
		items = append(items, doc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) SetStar(_ context.Context, documentID, userID string, starred bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[documentID]; !ok {
		return store.ErrNotFound
	}
	if f.stars[documentID] == nil {
		f.stars[documentID] = map[string]bool{}
	}
	if starred {
		f.stars[documentID][userID] = true
	} else {
		delete(f.stars[documentID], userID)
	}
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) SaveSummary(_ context.Context, documentID string, summary store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return store.ErrNotFound
	}
	if summary.Revision < doc.Revision {
		return nil
	}
	doc.Title, doc.Excerpt, doc.Revision, doc.BlockCount = summary.Title, summary.Excerpt, summary.Revision, summary.BlockCount
	f.documents[documentID] = doc
	f.summaries[documentID] = summary
	return nil
}

func (f *fakeStore) summary(documentID string) (store.Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.summaries[documentID]
	return s, ok
}

func (f *fakeStore) MemberRole(_ context.Context, documentID, userID string) (rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[documentID][userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return rbac.Normalize(m.Role), nil
}

func (f *fakeStore) ListMembers(_ context.Context, documentID string) ([]store.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Member, 0)
	for _, m := range f.members[documentID] {
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (f *fakeStore) UpsertMember(_ context.Context, member store.Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[member.DocumentID] == nil {
		f.members[member.DocumentID] = map[string]store.Member{}
	}
	f.members[member.DocumentID][member.UserID] = member
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, documentID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[documentID][userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.members[documentID], userID)
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

type fakeGit struct {
	mu          sync.Mutex
	repos       map[string]bool
	checkpoints map[string][]gitrepo.Content
}

func newFakeGit() *fakeGit {
	return &fakeGit{repos: map[string]bool{}, checkpoints: map[string][]gitrepo.Content{}}
}

func (f *fakeGit) EnsureDocumentRepo(documentID string, _ gitrepo.Content, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[documentID] = true
	return nil
}

func (f *fakeGit) Checkpoint(documentID string, content gitrepo.Content, author, message string) (gitrepo.Commit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[documentID] = append(f.checkpoints[documentID], content)
	return gitrepo.Commit{Hash: "abc1234", Message: message, Author: author}, true, nil
}

func (f *fakeGit) History(documentID string, limit int) ([]gitrepo.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.repos[documentID] {
		return nil, gitrepo.ErrNoRepo
	}
	items := []gitrepo.Commit{{Hash: "0000000", Message: "Create document", Author: "quire", CreatedAt: time.Unix(0, 0).UTC()}}
	for range f.checkpoints[documentID] {
		items = append([]gitrepo.Commit{{Hash: "abc1234", Message: "Checkpoint", Author: "quire"}}, items...)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// lastCheckpoint returns the newest checkpoint; commits may land out of order.
func (f *fakeGit) lastCheckpoint(documentID string) (gitrepo.Content, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest gitrepo.Content
	for _, c := range f.checkpoints[documentID] {
		if c.Revision >= latest.Revision {
			latest = c
		}
	}
	return latest, len(f.checkpoints[documentID]) > 0
}

var errAppendDown = errors.New("log store down")

type testEnv struct {
	server *HTTPServer
	svc    *Service
	store  *fakeStore
	git    *fakeGit
	log    *oplog.Memory
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{
		JWTSecret:         testSecret,
		PresenceTTL:       time.Minute,
		HeartbeatInterval: time.Second,
		SnapshotEvery:     1000,
		HubIdleTimeout:    time.Minute,
		SubscriberBuffer:  64,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	memLog := oplog.NewMemory()
	memLog.FailAppend = func(op block.Operation) error {
		if strings.HasPrefix(op.ID, "fail-") {
			return errAppendDown
		}
		return nil
	}
	env := &testEnv{store: newFakeStore(), git: newFakeGit(), log: memLog}
	svc, err := New(cfg, Deps{
		Store:     env.store,
		Git:       env.git,
		Log:       memLog,
		Snapshots: snapshot.NewMemory(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Close)
	env.svc = svc
	env.server = NewHTTPServer(svc, "*")
	return env
}

func tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, name, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}
