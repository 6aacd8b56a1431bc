package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "script.json"
	mainBranch  = "main"
)

var (
	ErrUnknownRevision = errors.New("unknown revision")
	// ErrStaleBase is returned by CommitOnto when the head moved past the
	// caller's base.
	ErrStaleBase = errors.New("base revision is not the head")
)

// Content is what a revision stores for a document.
type Content struct {
	ScriptText  string `json:"scriptText"`
	EditorState string `json:"editorState,omitempty"`
}

// Revision describes one commit. Hash is the full commit hash and is the
// revision id handed to editors.
type Revision struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"shortHash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocumentRepo creates the repository with an initial commit of
// initial if it does not exist yet, and returns the head revision.
func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) (Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return Revision{}, fmt.Errorf("open repo: %w", err)
		}
		commitObj, err := headCommit(repo)
		if err != nil {
			return Revision{}, err
		}
		return toRevision(commitObj), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Revision{}, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return Revision{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return Revision{}, fmt.Errorf("init repo: %w", err)
	}
	hash, err := writeAndCommit(repo, initial, author, "Create document")
	if err != nil {
		return Revision{}, err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return Revision{}, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return Revision{}, fmt.Errorf("set HEAD to main: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// Head returns the content and revision at the tip of main.
func (s *Service) Head(documentID string) (Content, Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, Revision{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// ContentAt returns the content stored at revision, which may be a full or
// abbreviated hash.
func (s *Service) ContentAt(documentID, revision string) (Content, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := commitAt(repo, revision)
	if err != nil {
		return Content{}, err
	}
	return readContentFromCommit(commitObj)
}

// Commit records content on main unconditionally.
func (s *Service) Commit(documentID string, content Content, author, message string) (Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Revision{}, fmt.Errorf("open repo: %w", err)
	}
	return commitRevision(repo, content, author, message)
}

// CommitOnto commits content only if base is still the head. It returns the
// head with ErrStaleBase when another write got there first, and the
// unchanged head with created false when content matches it.
func (s *Service) CommitOnto(documentID, base string, content Content, author, message string) (rev Revision, created bool, err error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return Revision{}, false, fmt.Errorf("open repo: %w", err)
	}
	head, err := headCommit(repo)
	if err != nil {
		return Revision{}, false, err
	}
	if head.Hash.String() != base {
		return toRevision(head), false, fmt.Errorf("commit onto %s: %w", abbreviate(base), ErrStaleBase)
	}
	current, err := readContentFromCommit(head)
	if err != nil {
		return Revision{}, false, err
	}
	if !HasChanges(current, content) {
		return toRevision(head), false, nil
	}
	rev, err = commitRevision(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	return rev, true, nil
}

// History lists revisions of main, newest first.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
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

	items := make([]Revision, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
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

// Exists reports whether a repository was created for documentID.
func (s *Service) Exists(documentID string) bool {
	_, err := os.Stat(filepath.Join(s.repoPath(documentID), ".git"))
	return err == nil
}

// HasChanges compares script text only; the editor state changes on every
// save.
func HasChanges(from, to Content) bool {
	return from.ScriptText != to.ScriptText
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
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

func commitRevision(repo *git.Repository, content Content, author, message string) (Revision, error) {
	hash, err := writeAndCommit(repo, content, author, message)
	if err != nil {
		return Revision{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

func writeAndCommit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		// a save that only touches editor state still gets a revision
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.blocksync.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commitAt(repo *git.Repository, revision string) (*object.Commit, error) {
	hash, err := resolveHash(repo, revision)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("read commit %s: %w", abbreviate(revision), ErrUnknownRevision)
		}
		return nil, fmt.Errorf("read commit %s: %w", abbreviate(revision), err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toRevision(commitObj *object.Commit) Revision {
	hash := commitObj.Hash.String()
	return Revision{
		Hash:      hash,
		ShortHash: hash[:7],
		Message:   strings.TrimSpace(commitObj.Message),
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
		return "editor"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, revision string) (plumbing.Hash, error) {
	revision = strings.TrimSpace(revision)
	if revision == "" {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision: %w", ErrUnknownRevision)
	}
	if len(revision) == 40 {
		return plumbing.NewHash(revision), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", revision, ErrUnknownRevision)
	}
	return *resolved, nil
}

func abbreviate(revision string) string {
	if len(revision) > 7 {
		return revision[:7]
	}
	return revision
}
