// Package metadata defines the entities behind a depot: branches,
// changelists, files, and file revisions, plus the callback interfaces the
// tree reconstructor and submit coordinator use to read and write them.
//
// Persistence is out of scope for this package: it defines contracts, not a
// store. See internal/metadatastore for a concrete bbolt-backed
// implementation.
package metadata

import "time"

// ChangelistAction classifies a single per-file change within a changelist.
type ChangelistAction int

const (
	ActionCreate ChangelistAction = iota
	ActionModify
	ActionDelete
)

func (a ChangelistAction) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionModify:
		return "modify"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BranchDoc is a named line of development with a current head changelist.
type BranchDoc struct {
	ID               string
	HeadChangelistID string
	CreatedBy        string
	CreatedAt        time.Time
	Metadata         map[string]string
}

// ChangelistChange is one file's action within a changelist.
type ChangelistChange struct {
	FileID     string
	Action     ChangelistAction
	RevisionID string
}

// ChangelistDoc is an atomic set of file changes on a branch. Changelists
// form a singly-linked chain per branch: ParentChangelistID == "" marks the
// chain root.
type ChangelistDoc struct {
	ID                 string
	ParentChangelistID string
	BranchID           string
	Author             string
	Description        string
	CommittedAt        time.Time
	Changes            []ChangelistChange
	FilesCount         int
	Metadata           map[string]string
}

// FileDoc is a depot path's identity, independent of any particular
// revision.
type FileDoc struct {
	ID        string
	Path      string
	CreatedAt time.Time
	Metadata  map[string]string
}

// FileRevisionDoc is one immutable version of a file's content.
type FileRevisionDoc struct {
	ID               string
	BranchID         string
	FileID           string
	ChangelistID     string
	BinaryID         []string // ordered chunk-hash hex strings
	ParentRevisionID string
	// Generation increases by one on every revision of a file (0 for the
	// revision that creates it). Submits compare it against a caller's
	// expected value as an opaque optimistic-concurrency token, independent
	// of RevisionID.
	Generation int64
	Size       int64
	IsDelete   bool
	CreatedAt  time.Time
	Metadata   map[string]string
}

// Reader is the read-side metadata contract consumed by the tree
// reconstructor and the submit coordinator's optimistic-concurrency checks.
// A nil, nil return means "not found"; errors are reserved for backend
// failures.
type Reader interface {
	GetBranch(branchID string) (*BranchDoc, error)
	GetChangelist(changelistID string) (*ChangelistDoc, error)
	GetFile(fileID string) (*FileDoc, error)
	GetFileRevision(revisionID string) (*FileRevisionDoc, error)

	// FindLatestFileRevisionByDepotPath returns the most recent revision of
	// the file at path on the given branch, or (nil, nil) if the file does
	// not exist there.
	FindLatestFileRevisionByDepotPath(branchID, path string) (*FileRevisionDoc, error)
}

// Writer is the write-side metadata contract used by the submit
// coordinator's commit phase. Implementations must make InsertChangelist's
// two writes (new changelist, updated branch head) visible atomically or not
// at all; revisions are written separately through InsertFileRevisions.
type Writer interface {
	InsertFile(file FileDoc) error
	InsertFileRevisions(revisions []FileRevisionDoc) error

	// InsertChangelist persists cl and advances branchID's head to cl.ID in
	// a single logical unit.
	InsertChangelist(branchID string, cl ChangelistDoc) error
}

// Store is the full read/write metadata contract.
type Store interface {
	Reader
	Writer
}
