// Package tree reconstructs a depot's directory tree for a given (branch,
// changelist, path-wildcard) view by walking a branch's changelist chain
// and folding per-file changes into a visibility map.
package tree

import (
	"fmt"
	"sort"
	"time"

	"github.com/chronoverse/crv/internal/metadata"
)

// maxChainHops caps the changelist-chain walk so an adversarially or
// accidentally cyclic parent chain cannot hang the reconstructor.
const maxChainHops = 1_000_000

// NodeKind discriminates a FileTreeNode. FileTreeNode is a sum type: exactly
// one of its Dir/File-specific fields is meaningful for a given Kind.
type NodeKind int

const (
	KindDirectory NodeKind = iota
	KindFile
)

// FileTreeNode is either a Directory (with children) or a File (a single
// revision's metadata). Do not add parent pointers: the tree is a pure,
// acyclic output value so it serializes trivially and clones by a recursive
// copy of its Children (a plain struct copy shares them).
type FileTreeNode struct {
	Kind NodeKind
	Name string

	// Children holds this node's subdirectories-then-files, each sorted by
	// name, present only when Kind == KindDirectory.
	Children []FileTreeNode

	// File-only fields, present only when Kind == KindFile.
	FileID            string
	RevisionID        string
	ChangelistID      string
	BinaryID          []string
	Size              int64
	RevisionCreatedAt time.Time
}

// FileTree is the materialized view returned by Construct: a virtual root
// directory rooted at the wildcard's prefix.
type FileTree struct {
	Root FileTreeNode
}

// BranchNotFoundError, ChangelistNotFoundError, and BranchMismatchError are
// the metadata preconditions §4.F requires Construct to check before
// walking the changelist chain.
type BranchNotFoundError struct{ BranchID string }

func (e *BranchNotFoundError) Error() string { return fmt.Sprintf("tree: branch not found: %s", e.BranchID) }

type ChangelistNotFoundError struct{ ChangelistID string }

func (e *ChangelistNotFoundError) Error() string {
	return fmt.Sprintf("tree: changelist not found: %s", e.ChangelistID)
}

type BranchMismatchError struct {
	ChangelistID, ExpectedBranchID, ActualBranchID string
}

func (e *BranchMismatchError) Error() string {
	return fmt.Sprintf("tree: changelist %s belongs to branch %s, not %s", e.ChangelistID, e.ActualBranchID, e.ExpectedBranchID)
}

// ChainTooLongError indicates the changelist chain exceeded maxChainHops,
// almost certainly a corrupted parent-link cycle.
type ChainTooLongError struct{ BranchID string }

func (e *ChainTooLongError) Error() string {
	return fmt.Sprintf("tree: changelist chain for branch %s exceeds %d hops", e.BranchID, maxChainHops)
}

// BackendError wraps a failure from a metadata.Reader callback.
type BackendError struct{ Err error }

func (e *BackendError) Error() string { return fmt.Sprintf("tree: backend: %v", e.Err) }
func (e *BackendError) Unwrap() error { return e.Err }

// Construct walks branchID's changelist chain from targetChangelistID back
// to the root, computes file visibility as of that point, and materializes
// the subtree matching wildcard into a FileTree.
//
// Construct is a pure function of (branchID, wildcard, targetChangelistID)
// and whatever reader returns: equal inputs over an unchanged metadata
// store yield an identical tree, up to the deterministic ordering defined
// below.
func Construct(branchID string, wildcard metadata.Wildcard, targetChangelistID string, reader metadata.Reader) (FileTree, error) {
	branch, err := reader.GetBranch(branchID)
	if err != nil {
		return FileTree{}, &BackendError{Err: err}
	}
	if branch == nil {
		return FileTree{}, &BranchNotFoundError{BranchID: branchID}
	}

	target, err := reader.GetChangelist(targetChangelistID)
	if err != nil {
		return FileTree{}, &BackendError{Err: err}
	}
	if target == nil {
		return FileTree{}, &ChangelistNotFoundError{ChangelistID: targetChangelistID}
	}
	if target.BranchID != branchID {
		return FileTree{}, &BranchMismatchError{ChangelistID: targetChangelistID, ExpectedBranchID: branchID, ActualBranchID: target.BranchID}
	}

	visibility, err := computeVisibility(branchID, target, reader)
	if err != nil {
		return FileTree{}, err
	}

	b := newArena()
	for fileID, revisionID := range visibility {
		if revisionID == "" {
			continue // deleted as of target
		}
		if err := b.place(fileID, revisionID, branchID, wildcard, reader); err != nil {
			return FileTree{}, err
		}
	}

	return FileTree{Root: b.emit("")}, nil
}

// computeVisibility folds the changelist chain HEAD (target) -> root into a
// file_id -> revision_id map; "" means deleted. Changes closer to HEAD win,
// since the chain is walked from target backwards and the first change
// encountered for a file is recorded.
func computeVisibility(branchID string, target *metadata.ChangelistDoc, reader metadata.Reader) (map[string]string, error) {
	visibility := make(map[string]string)

	cl := target
	for hops := 0; ; hops++ {
		if hops >= maxChainHops {
			return nil, &ChainTooLongError{BranchID: branchID}
		}

		for _, ch := range cl.Changes {
			if _, seen := visibility[ch.FileID]; seen {
				continue
			}
			if ch.Action == metadata.ActionDelete {
				visibility[ch.FileID] = ""
			} else {
				visibility[ch.FileID] = ch.RevisionID
			}
		}

		if cl.ParentChangelistID == "" {
			break
		}
		parent, err := reader.GetChangelist(cl.ParentChangelistID)
		if err != nil {
			return nil, &BackendError{Err: err}
		}
		if parent == nil || parent.BranchID != branchID {
			break
		}
		cl = parent
	}

	return visibility, nil
}

// arena accumulates File nodes keyed by their directory-component path
// before a single depth-first emit produces the final sorted FileTree.
type arena struct {
	dirs map[string]*arenaDir
}

type arenaDir struct {
	path    []string
	subdirs map[string]*arenaDir
	files   []FileTreeNode
}

func newArena() *arena {
	return &arena{dirs: map[string]*arenaDir{"": {path: nil, subdirs: map[string]*arenaDir{}}}}
}

func (a *arena) dir(path []string) *arenaDir {
	key := dirKey(path)
	if d, ok := a.dirs[key]; ok {
		return d
	}
	parent := a.dir(path[:len(path)-1])
	d := &arenaDir{path: path, subdirs: map[string]*arenaDir{}}
	parent.subdirs[path[len(path)-1]] = d
	a.dirs[key] = d
	return d
}

func dirKey(path []string) string {
	key := ""
	for _, p := range path {
		key += "/" + p
	}
	return key
}

func (a *arena) place(fileID, revisionID, branchID string, wildcard metadata.Wildcard, reader metadata.Reader) error {
	rev, err := reader.GetFileRevision(revisionID)
	if err != nil {
		return &BackendError{Err: err}
	}
	if rev == nil || rev.BranchID != branchID {
		return nil // defensive: ignore dangling or cross-branch revisions
	}

	file, err := reader.GetFile(fileID)
	if err != nil {
		return &BackendError{Err: err}
	}
	if file == nil {
		return nil
	}

	rel, ok := wildcard.Match(file.Path)
	if !ok {
		return nil
	}

	dirPath, name := rel[:len(rel)-1], rel[len(rel)-1]
	d := a.dir(dirPath)
	d.files = append(d.files, FileTreeNode{
		Kind:              KindFile,
		Name:              name,
		FileID:            fileID,
		RevisionID:        revisionID,
		ChangelistID:      rev.ChangelistID,
		BinaryID:          rev.BinaryID,
		Size:              rev.Size,
		RevisionCreatedAt: rev.CreatedAt,
	})
	return nil
}

// emit depth-first-serializes the root directory: subdirectories first,
// then files, both sorted by name, recursively.
func (a *arena) emit(name string) FileTreeNode {
	return emitDir(a.dirs[""], name)
}

func emitDir(d *arenaDir, name string) FileTreeNode {
	subNames := make([]string, 0, len(d.subdirs))
	for n := range d.subdirs {
		subNames = append(subNames, n)
	}
	sort.Strings(subNames)

	children := make([]FileTreeNode, 0, len(subNames)+len(d.files))
	for _, n := range subNames {
		children = append(children, emitDir(d.subdirs[n], n))
	}

	files := append([]FileTreeNode(nil), d.files...)
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].RevisionID < files[j].RevisionID
	})
	children = append(children, files...)

	return FileTreeNode{Kind: KindDirectory, Name: name, Children: children}
}
