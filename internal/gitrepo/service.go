// Package gitrepo keeps a git history of document checkpoints. Each
// document gets its own repository holding the rendered markdown and a
// small metadata file; every checkpoint that changes the text is a commit
// on main.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	mainBranch   = "main"
	markdownFile = "document.md"
	metaFile     = "meta.json"
)

var ErrNoRepo = errors.New("gitrepo: document has no history")

// Content is one checkpointed version of a document.
type Content struct {
	Title    string `json:"title"`
	Revision uint64 `json:"revision"`
	Position uint64 `json:"position"`
	Markdown string `json:"-"`
}

// Commit describes one entry of a document's history.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// EnsureDocumentRepo creates the repository with a baseline commit if it
// does not exist yet.
func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureRepo(documentID, initial, author)
}

func (s *Service) ensureRepo(documentID string, initial Content, author string) error {
	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(path, initial); err != nil {
		return err
	}
	if err := addContent(worktree); err != nil {
		return err
	}
	hash, err := worktree.Commit("Create document", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Checkpoint commits content to main. It reports changed=false and makes
// no commit when the title and text match the current head.
func (s *Service) Checkpoint(documentID string, content Content, author, message string) (commit Commit, changed bool, err error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepo(documentID, Content{}, author); err != nil {
		return Commit{}, false, err
	}
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Commit{}, false, fmt.Errorf("open repo: %w", err)
	}
	if err := checkoutMain(repo); err != nil {
		return Commit{}, false, err
	}

	head, err := headCommit(repo)
	if err != nil {
		return Commit{}, false, err
	}
	current, err := readContentFromCommit(head)
	if err != nil {
		return Commit{}, false, err
	}
	if !HasChanges(current, content) {
		return toCommit(head), false, nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeContent(worktree.Filesystem.Root(), content); err != nil {
		return Commit{}, false, err
	}
	if err := addContent(worktree); err != nil {
		return Commit{}, false, err
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return Commit{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// History lists commits on main, newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]Commit, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		item := toCommit(commitObj)
		if stats, err := commitObj.Stats(); err == nil {
			for _, st := range stats {
				if st.Name == markdownFile {
					item.Added += st.Addition
					item.Removed += st.Deletion
				}
			}
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the checkpoint recorded by a commit. hash may be
// abbreviated.
func (s *Service) ContentAt(documentID, hash string) (Content, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// HasChanges reports whether two checkpoints differ in what a reader sees.
func HasChanges(from, to Content) bool {
	return from.Title != to.Title || from.Markdown != to.Markdown
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", documentID, ErrNoRepo)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) signature(author string) *object.Signature {
	if author == "" {
		author = "quire"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.quire.dev", sanitizeEmail(author)),
		When:  s.now(),
	}
}

func writeContent(root string, content Content) error {
	meta, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal content meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, metaFile), append(meta, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, markdownFile), []byte(content.Markdown), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", markdownFile, err)
	}
	return nil
}

func addContent(worktree *git.Worktree) error {
	for _, name := range []string{metaFile, markdownFile} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}
	return nil
}

func checkoutMain(repo *git.Repository) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(mainBranch), Force: true}); err != nil {
		return fmt.Errorf("checkout main: %w", err)
	}
	return nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	var content Content
	raw, err := readFile(commitObj, metaFile)
	if err != nil {
		return Content{}, err
	}
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	md, err := readFile(commitObj, markdownFile)
	if err != nil {
		return Content{}, err
	}
	content.Markdown = string(md)
	return content, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
