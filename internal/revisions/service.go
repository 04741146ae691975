// Package revisions keeps a git history of each document body. Every accepted
// suggestion becomes one commit on the document's main branch.
package revisions

import (
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

	"inkwell/api/internal/document"
)

const (
	bodyFile   = "document.txt"
	mainBranch = "main"
)

// ErrNoRepo is returned when a document has no revision history yet.
var (
	ErrNoRepo          = errors.New("revision repo not initialised")
	ErrUnknownRevision = errors.New("unknown revision")
)

// Revision summarises one commit. Added and Removed count characters.
type Revision struct {
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
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo creates the document's repository with body as its baseline.
// It is a no-op when the repository already exists.
func (s *Service) EnsureRepo(documentID, body, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

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
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("point HEAD at main: %w", err)
	}
	if _, err := s.writeAndCommit(repo, body, author, "Import document baseline", true); err != nil {
		return err
	}
	return nil
}

// Commit records body as a new revision. When body matches the head revision
// no commit is made and the head revision is returned.
func (s *Service) Commit(documentID, body, author, message string) (Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Revision{}, err
	}

	hash, err := s.writeAndCommit(repo, body, author, message, false)
	if errors.Is(err, git.ErrEmptyCommit) {
		head, headErr := repo.Head()
		if headErr != nil {
			return Revision{}, fmt.Errorf("resolve head: %w", headErr)
		}
		hash = head.Hash()
	} else if err != nil {
		return Revision{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj)
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		rev, err := toRevision(commitObj)
		if err != nil {
			return err
		}
		items = append(items, rev)
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

// ContentAt returns the body stored at a revision. hash may be abbreviated.
func (s *Service) ContentAt(documentID, hash string) (string, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return "", err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrUnknownRevision, hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	return bodyAt(commitObj)
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepo
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[documentID] = lock
	}
	return lock
}

func (s *Service) writeAndCommit(repo *git.Repository, body, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, bodyFile), []byte(body), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", bodyFile, err)
	}
	if _, err := worktree.Add(bodyFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: authorEmail(author),
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return plumbing.ZeroHash, err
		}
		return plumbing.ZeroHash, fmt.Errorf("commit: %w", err)
	}
	return hash, nil
}

func bodyAt(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(bodyFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s: %w", bodyFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", bodyFile, err)
	}
	return contents, nil
}

func toRevision(commitObj *object.Commit) (Revision, error) {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}

	after, err := bodyAt(commitObj)
	if err != nil {
		return Revision{}, err
	}
	before := ""
	if commitObj.NumParents() > 0 {
		parent, err := commitObj.Parent(0)
		if err != nil {
			return Revision{}, fmt.Errorf("load parent: %w", err)
		}
		if before, err = bodyAt(parent); err != nil {
			return Revision{}, err
		}
	}
	for _, edit := range document.Diff(before, after) {
		rev.Added += edit.Inserted
		rev.Removed += edit.Deleted
	}
	return rev, nil
}

func authorEmail(author string) string {
	local := make([]rune, 0, len(author))
	for _, r := range strings.ToLower(author) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			local = append(local, r)
		case r == ' ', r == '-', r == '_', r == '.':
			local = append(local, '.')
		}
	}
	if len(local) == 0 {
		return "writer@inkwell.local"
	}
	return string(local) + "@inkwell.local"
}
