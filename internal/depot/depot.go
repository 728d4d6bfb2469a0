// Package depot holds per-branch in-memory state on top of the tree
// reconstructor: an exclusive file-lock set scoped per branch, and a
// (changelist, wildcard) -> FileTree cache.
package depot

import (
	"sync"

	"github.com/chronoverse/crv/internal/metadata"
	"github.com/chronoverse/crv/internal/tree"
)

type lockKey struct {
	branchID string
	fileID   string
}

type cacheKey struct {
	branchID     string
	changelistID string
	wildcard     string
}

// State is the depot tree's live, in-memory coordination surface: a
// branch-scoped exclusive lock set over file ids, and a tree cache that
// Construct only pays for once per (branch, changelist, wildcard).
//
// State is safe for concurrent use.
type State struct {
	locksMu sync.Mutex
	locked  map[lockKey]struct{}

	cacheMu sync.Mutex
	cache   map[cacheKey]tree.FileTree
}

// New returns an empty State.
func New() *State {
	return &State{
		locked: make(map[lockKey]struct{}),
		cache:  make(map[cacheKey]tree.FileTree),
	}
}

// TryLockFiles attempts to acquire exclusive locks on every (branchID,
// fileID) pair, deduplicated. It is all-or-nothing: if any id is already
// locked, nothing is locked and every currently-conflicting id is returned
// in conflicted. Locking the same fileID on a different branch never
// conflicts.
func (s *State) TryLockFiles(branchID string, fileIDs []string) (locked, conflicted []string) {
	dedup := dedupeStrings(fileIDs)

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	for _, id := range dedup {
		if _, held := s.locked[lockKey{branchID, id}]; held {
			conflicted = append(conflicted, id)
		}
	}
	if len(conflicted) > 0 {
		return nil, conflicted
	}

	for _, id := range dedup {
		s.locked[lockKey{branchID, id}] = struct{}{}
	}
	return dedup, nil
}

// UnlockFiles releases each (branchID, fileID) lock if held. Idempotent.
func (s *State) UnlockFiles(branchID string, fileIDs []string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	for _, id := range fileIDs {
		delete(s.locked, lockKey{branchID, id})
	}
}

// IsLocked reports whether (branchID, fileID) is currently locked.
func (s *State) IsLocked(branchID, fileID string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	_, held := s.locked[lockKey{branchID, fileID}]
	return held
}

// GetOrConstructFileTree returns the cached tree for (branchID,
// changelistID, wildcard) if present, else constructs it via the tree
// reconstructor, caches it, and returns it. The returned value is a deep
// copy of the cached tree, so the caller may mutate it without affecting
// the cache.
func (s *State) GetOrConstructFileTree(branchID, wildcard, changelistID string, reader metadata.Reader) (tree.FileTree, error) {
	key := cacheKey{branchID: branchID, changelistID: changelistID, wildcard: wildcard}

	s.cacheMu.Lock()
	if ft, ok := s.cache[key]; ok {
		s.cacheMu.Unlock()
		return tree.FileTree{Root: cloneNode(ft.Root)}, nil
	}
	s.cacheMu.Unlock()

	parsed, err := metadata.ParseWildcard(wildcard)
	if err != nil {
		return tree.FileTree{}, err
	}
	ft, err := tree.Construct(branchID, parsed, changelistID, reader)
	if err != nil {
		return tree.FileTree{}, err
	}

	s.cacheMu.Lock()
	s.cache[key] = ft
	s.cacheMu.Unlock()

	return tree.FileTree{Root: cloneNode(ft.Root)}, nil
}

// cloneNode deep-copies n, including its Children and BinaryID slices.
func cloneNode(n tree.FileTreeNode) tree.FileTreeNode {
	n.BinaryID = append([]string(nil), n.BinaryID...)
	n.Children = append([]tree.FileTreeNode(nil), n.Children...)
	for i := range n.Children {
		n.Children[i] = cloneNode(n.Children[i])
	}
	return n
}

// ClearFileTreeCacheForChangelist drops every cached tree for branchID
// whose changelist id matches. Call after a commit makes a new changelist
// id the branch head.
func (s *State) ClearFileTreeCacheForChangelist(branchID, changelistID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for key := range s.cache {
		if key.branchID == branchID && key.changelistID == changelistID {
			delete(s.cache, key)
		}
	}
}

// ClearAllFileTreeCache drops every cached tree for branchID.
func (s *State) ClearAllFileTreeCache(branchID string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for key := range s.cache {
		if key.branchID == branchID {
			delete(s.cache, key)
		}
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
