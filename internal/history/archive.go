// Package history archives every saved canvas snapshot as a commit in a
// per-canvas git repository.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"canvas/api/internal/canvas"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "canvas.json"

var (
	ErrUnchanged = errors.New("snapshot unchanged since last commit")
	ErrNotFound  = errors.New("history entry not found")
)

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit writes snapshot to the canvas repository and commits it on main.
// ErrUnchanged is returned when the tree already matches.
func (a *Archive) Commit(snapshot canvas.Snapshot, author string) (Commit, error) {
	lock := a.documentLock(snapshot.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(snapshot.DocumentID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	snapshot.Origin = ""
	snapshot.Sequence = 0
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}

	if author == "" {
		author = "canvas"
	}
	hash, err := worktree.Commit(fmt.Sprintf("Save canvas (version %d)", snapshot.Version), &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.canvas.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		return Commit{}, ErrUnchanged
	}
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits newest first. A canvas that was never archived has
// an empty history.
func (a *Archive) History(documentID string, limit int) ([]Commit, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Commit, 0)
	repo, err := git.PlainOpen(a.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// SnapshotAt returns the snapshot recorded by commit hash (full or short).
func (a *Archive) SnapshotAt(documentID, hash string) (canvas.Snapshot, error) {
	lock := a.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return canvas.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return canvas.Snapshot{}, fmt.Errorf("open repo: %w", err)
	}

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return canvas.Snapshot{}, ErrNotFound
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return canvas.Snapshot{}, ErrNotFound
	}

	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return canvas.Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return canvas.Snapshot{}, fmt.Errorf("read snapshot contents: %w", err)
	}

	var snapshot canvas.Snapshot
	if err := json.Unmarshal([]byte(contents), &snapshot); err != nil {
		return canvas.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot.Normalize(), nil
}

func (a *Archive) openOrInit(documentID string) (*git.Repository, error) {
	path := a.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(documentID string) string {
	return filepath.Join(a.baseDir, filepath.Base(filepath.Clean("/"+documentID)))
}

func (a *Archive) documentLock(documentID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[documentID] = lock
	return lock
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
