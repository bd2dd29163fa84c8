// Package checkpoint keeps a versioned history of every proposal's
// durable saves. Each proposal owns one git repository; every forced or
// debounced save that reaches storage may also be committed here, so
// reviewers can recover any earlier submitted state.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"symposium/api/internal/store"
)

// Snapshot is the full persisted state of one proposal at save time:
// serialized trees and thread lists keyed by sub-document id.
type Snapshot struct {
	Contents    map[string][]byte
	Discussions map[string][]byte
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

// EnsureProposalRepo initializes a proposal's checkpoint repository if
// it does not exist yet.
func (s *Service) EnsureProposalRepo(proposalID, author string) error {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(proposalID)
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
	marker := fmt.Sprintf("{\"proposalId\":%q}\n", proposalID)
	if err := os.WriteFile(filepath.Join(path, "proposal.json"), []byte(marker), 0o644); err != nil {
		return fmt.Errorf("write repo marker: %w", err)
	}
	if _, err := worktree.Add("proposal.json"); err != nil {
		return fmt.Errorf("git add repo marker: %w", err)
	}
	hash, err := worktree.Commit("Initialize proposal checkpoints", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit repo marker: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Commit records a snapshot as one checkpoint commit. A snapshot that
// changes nothing returns the current head instead of an empty commit;
// checkpoint history stays linear on main.
func (s *Service) Commit(proposalID string, snap Snapshot, author, message string) (store.CommitInfo, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	root := worktree.Filesystem.Root()
	for _, name := range snapshotFiles(snap) {
		if err := os.WriteFile(filepath.Join(root, name.file), append(name.payload, '\n'), 0o644); err != nil {
			return store.CommitInfo{}, fmt.Errorf("write %s: %w", name.file, err)
		}
		if _, err := worktree.Add(name.file); err != nil {
			return store.CommitInfo{}, fmt.Errorf("git add %s: %w", name.file, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: signature(author)})
	if errors.Is(err, git.ErrEmptyCommit) {
		return s.headLocked(repo)
	}
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit checkpoint: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the latest checkpoint commit.
func (s *Service) Head(proposalID string) (store.CommitInfo, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	return s.headLocked(repo)
}

func (s *Service) headLocked(repo *git.Repository) (store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists checkpoint commits, newest first.
func (s *Service) History(proposalID string, limit int) ([]store.CommitInfo, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads one sub-document's serialized tree from a checkpoint.
func (s *Service) ContentAt(proposalID, hash, subDocument string) ([]byte, error) {
	return s.fileAt(proposalID, hash, subDocument+".content.json")
}

// DiscussionsAt reads one sub-document's thread list from a checkpoint.
func (s *Service) DiscussionsAt(proposalID, hash, subDocument string) ([]byte, error) {
	return s.fileAt(proposalID, hash, subDocument+".discussions.json")
}

func (s *Service) fileAt(proposalID, hash, filename string) ([]byte, error) {
	lock := s.proposalLock(proposalID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(proposalID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(filename)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", filename, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", filename, err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	if n := len(payload); n > 0 && payload[n-1] == '\n' {
		payload = payload[:n-1]
	}
	return payload, nil
}

func (s *Service) repoPath(proposalID string) string {
	return filepath.Join(s.baseDir, proposalID)
}

func (s *Service) proposalLock(proposalID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[proposalID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[proposalID] = lock
	return lock
}

type snapshotFile struct {
	file    string
	payload []byte
}

// snapshotFiles flattens a snapshot into deterministically ordered
// worktree files.
func snapshotFiles(snap Snapshot) []snapshotFile {
	var files []snapshotFile
	for sd, payload := range snap.Contents {
		if len(payload) == 0 {
			continue
		}
		files = append(files, snapshotFile{file: sd + ".content.json", payload: payload})
	}
	for sd, payload := range snap.Discussions {
		if len(payload) == 0 {
			continue
		}
		files = append(files, snapshotFile{file: sd + ".discussions.json", payload: payload})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].file < files[j].file })
	return files
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.symposium.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
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
