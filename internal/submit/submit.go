// Package submit implements the submit coordinator: the state machine that
// turns a batch of depot-path changes into one atomically-committed
// changelist. A caller opens a ticket against a branch, streams the new
// content for each changed file through upload_chunk, then calls Commit.
// Ticket ids, file ids, revision ids and changelist ids are all UUIDv7s, so
// creation order and byte order agree — the same convention the rest of the
// depot's id space uses.
package submit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chronoverse/crv/internal/depot"
	"github.com/chronoverse/crv/internal/logging"
	"github.com/chronoverse/crv/internal/metadata"
	"github.com/chronoverse/crv/internal/repository"
	"github.com/chronoverse/crv/internal/wal"
	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// TicketState is the lifecycle stage of a submit ticket.
type TicketState int

const (
	TicketActive TicketState = iota
	TicketCommitted
	TicketAborted
	TicketExpired
)

func (s TicketState) String() string {
	switch s {
	case TicketActive:
		return "active"
	case TicketCommitted:
		return "committed"
	case TicketAborted:
		return "aborted"
	case TicketExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// FileSubmission describes one file's intended new state within a submit.
// ExpectedGeneration and ExpectedRevisionID are nil when the caller has no
// opinion about the file's current state (e.g. a brand new path).
type FileSubmission struct {
	DepotPath          string
	ExpectedGeneration *int64
	ExpectedRevisionID *string

	// BinaryID is the ordered list of content chunk hashes (hex) forming
	// the file's new content. Ignored when IsDelete is true.
	BinaryID []string
	Size     int64
	IsDelete bool
}

// CommitResult is returned on a successful Commit.
type CommitResult struct {
	ChangelistID    string
	CommittedAt     time.Time
	RevisionsByPath map[string]string // depot path -> new revision id
}

// UploadStatus is the result of a single upload_chunk call.
type UploadStatus int

const (
	ChunkAppended UploadStatus = iota
	ChunkFinished
)

type resolvedFile struct {
	sub               FileSubmission
	fileID            string
	isCreate          bool
	currentGeneration int64
	currentRevisionID string
	nextGeneration    int64
	newRevisionID     string
}

type partialChunk struct {
	buf          []byte
	declaredSize uint32
}

type ticketContext struct {
	id        string
	branchID  string
	submitter string
	deadline  time.Time
	state     TicketState

	files   []resolvedFile
	paths   []string // depot paths this ticket holds locks on
	fileIDs []string // file ids this ticket holds locks on in depot.State

	chunksMu   sync.Mutex
	uploaded   map[string]bool
	inProgress map[string]*partialChunk
}

// MetadataStore is the subset of metadatastore.Store the coordinator needs
// for its atomic commit write. A narrower interface than metadata.Store
// because ordinary InsertFile/InsertFileRevisions/InsertChangelist calls
// would not be atomic across each other.
type MetadataStore interface {
	CommitChangelist(branchID string, cl metadata.ChangelistDoc, newFiles []metadata.FileDoc, revisions []metadata.FileRevisionDoc) error
}

// Coordinator is the submit coordinator. One Coordinator serves every
// branch; branch id is a parameter of every call.
type Coordinator struct {
	packs      *repository.Manager
	reader     metadata.Reader
	metaStore  MetadataStore
	depotState *depot.State
	recovery   *wal.Log
	logger     *slog.Logger

	mu      sync.RWMutex
	tickets map[string]*ticketContext
}

// New returns a ready Coordinator. recovery may be nil: commits then skip
// the pre-commit journal entry and rely solely on the metadata store's own
// transaction.
func New(packs *repository.Manager, reader metadata.Reader, metaStore MetadataStore, depotState *depot.State, recovery *wal.Log, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		packs:      packs,
		reader:     reader,
		metaStore:  metaStore,
		depotState: depotState,
		recovery:   recovery,
		logger:     logging.Default(logger).With("component", "submit"),
		tickets:    make(map[string]*ticketContext),
	}
}

// journalIntent records, ahead of the metadata store's own transaction, that
// changelist clID is about to be committed for branchID. It's a
// belt-and-suspenders audit trail independent of the metadata store's
// backend: even a metadata store without its own transactional guarantees
// would let a recovery tool replay intended commits from this log.
func (c *Coordinator) journalIntent(branchID, clID string, paths []string) {
	if c.recovery == nil {
		return
	}
	value, err := json.Marshal(struct {
		BranchID string   `json:"branch_id"`
		Paths    []string `json:"paths"`
	}{BranchID: branchID, Paths: paths})
	if err != nil {
		return
	}
	txID, err := c.recovery.Begin()
	if err != nil {
		c.logger.Warn("recovery log begin failed", "error", err)
		return
	}
	if err := c.recovery.Write(txID, clID, string(value)); err != nil {
		c.logger.Warn("recovery log write failed", "error", err)
		return
	}
	if err := c.recovery.Commit(txID); err != nil {
		c.logger.Warn("recovery log commit failed", "error", err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime's random source is broken; fall
		// back to a random v4 rather than propagate that up the submit
		// path, which has no recovery for it anyway.
		return uuid.NewString()
	}
	return id.String()
}

// LaunchSubmit opens a new ticket against branchID for the given files. On
// success the ticket is Active and holds an exclusive lock on every path
// named. On failure nothing is locked and nothing is left behind.
func (c *Coordinator) LaunchSubmit(branchID, submitter string, files []FileSubmission, timeout time.Duration) (string, error) {
	c.reapExpired()

	if err := checkDuplicatePaths(files); err != nil {
		return "", err
	}

	resolved, mismatches, err := c.resolveFiles(branchID, files)
	if err != nil {
		return "", err
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.DepotPath
	}
	fileIDs := make([]string, len(resolved))
	pathByFileID := make(map[string]string, len(resolved))
	for i, rf := range resolved {
		fileIDs[i] = rf.fileID
		pathByFileID[rf.fileID] = rf.sub.DepotPath
	}

	ticketID := newID()

	c.mu.Lock()
	var conflicts []PathConflict
	for _, p := range paths {
		if holder, held := c.pathHolder(p); held {
			conflicts = append(conflicts, PathConflict{Path: p, HeldByTicketID: holder})
		}
	}
	if len(conflicts) > 0 {
		c.mu.Unlock()
		return "", &LockConflictError{Conflicts: conflicts}
	}

	locked, lockConflicted := c.depotState.TryLockFiles(branchID, fileIDs)
	if len(lockConflicted) > 0 {
		c.mu.Unlock()
		return "", &LockConflictError{Conflicts: pathConflictsFromFileIDs(lockConflicted, pathByFileID)}
	}

	ctx := &ticketContext{
		id:         ticketID,
		branchID:   branchID,
		submitter:  submitter,
		deadline:   time.Now().Add(timeout),
		state:      TicketActive,
		files:      resolved,
		paths:      paths,
		fileIDs:    locked,
		uploaded:   make(map[string]bool),
		inProgress: make(map[string]*partialChunk),
	}
	c.tickets[ticketID] = ctx
	c.mu.Unlock()

	// Optimistic expectations are verified outside the lock acquisition
	// above (the read happened in resolveFiles, before c.mu was ever
	// taken) so a slow metadata read never holds the coordinator's lock.
	if len(mismatches) > 0 {
		c.unlockContext(ctx)
		c.mu.Lock()
		delete(c.tickets, ticketID)
		c.mu.Unlock()
		return "", &ConflictError{Mismatches: mismatches}
	}

	c.logger.Info("submit launched", "ticket", ticketID, "branch", branchID, "files", len(files))
	return ticketID, nil
}

func (c *Coordinator) pathHolder(path string) (string, bool) {
	for id, ctx := range c.tickets {
		for _, p := range ctx.paths {
			if p == path {
				return id, true
			}
		}
	}
	return "", false
}

func pathConflictsFromFileIDs(fileIDs []string, pathByFileID map[string]string) []PathConflict {
	out := make([]PathConflict, len(fileIDs))
	for i, id := range fileIDs {
		out[i] = PathConflict{Path: pathByFileID[id]}
	}
	return out
}

func checkDuplicatePaths(files []FileSubmission) error {
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.DepotPath] {
			return &DuplicatePathError{Path: f.DepotPath}
		}
		seen[f.DepotPath] = true
	}
	return nil
}

// resolveFiles looks up each file's current state and checks optimistic
// expectations. It never touches c.mu: callers run it before any lock
// is taken, so a slow metadata backend can't block other submits.
func (c *Coordinator) resolveFiles(branchID string, files []FileSubmission) ([]resolvedFile, []ExpectationMismatch, error) {
	resolved := make([]resolvedFile, 0, len(files))
	var mismatches []ExpectationMismatch

	for _, f := range files {
		current, err := c.reader.FindLatestFileRevisionByDepotPath(branchID, f.DepotPath)
		if err != nil {
			return nil, nil, fmt.Errorf("submit: resolve %s: %w", f.DepotPath, err)
		}

		rf := resolvedFile{sub: f}
		if current == nil {
			rf.isCreate = true
			rf.fileID = newID()
			rf.currentGeneration = -1
			rf.nextGeneration = 0
		} else {
			rf.fileID = current.FileID
			rf.currentGeneration = current.Generation
			rf.currentRevisionID = current.ID
			rf.nextGeneration = current.Generation + 1
		}
		rf.newRevisionID = newID()

		if mismatch, ok := checkExpectation(f, rf); ok {
			mismatches = append(mismatches, mismatch)
		}
		resolved = append(resolved, rf)
	}
	return resolved, mismatches, nil
}

func checkExpectation(f FileSubmission, rf resolvedFile) (ExpectationMismatch, bool) {
	mismatch := ExpectationMismatch{
		Path:               f.DepotPath,
		ExpectedGeneration: f.ExpectedGeneration,
		ExpectedRevisionID: f.ExpectedRevisionID,
		CurrentGeneration:  rf.currentGeneration,
		CurrentRevisionID:  rf.currentRevisionID,
	}
	if f.ExpectedGeneration != nil && *f.ExpectedGeneration != rf.currentGeneration {
		return mismatch, true
	}
	if f.ExpectedRevisionID != nil && *f.ExpectedRevisionID != rf.currentRevisionID {
		return mismatch, true
	}
	return mismatch, false
}

// UploadChunk appends payload at offset to chunkHash's scratch buffer under
// ticketID. The chunk cache enforces strict append: offset must equal the
// buffer's current length. Once the buffer reaches chunkSize its content is
// hashed and, on a match, written into the pack store.
func (c *Coordinator) UploadChunk(ticketID, chunkHash string, offset uint64, chunkSize uint32, payload []byte) (UploadStatus, error) {
	ctx, err := c.activeTicket(ticketID)
	if err != nil {
		return 0, err
	}

	ctx.chunksMu.Lock()
	defer ctx.chunksMu.Unlock()

	if ctx.uploaded[chunkHash] {
		return ChunkFinished, nil // already complete; tolerate a resend
	}

	pc, ok := ctx.inProgress[chunkHash]
	if !ok {
		pc = &partialChunk{declaredSize: chunkSize}
		ctx.inProgress[chunkHash] = pc
	}

	if offset != uint64(len(pc.buf)) {
		return 0, &AppendOffsetMismatchError{ChunkHash: chunkHash, Offset: offset, Expected: uint64(len(pc.buf))}
	}
	if offset+uint64(len(payload)) > uint64(pc.declaredSize) {
		return 0, &ChunkOverflowError{ChunkHash: chunkHash}
	}
	pc.buf = append(pc.buf, payload...)

	if uint64(len(pc.buf)) < uint64(pc.declaredSize) {
		return ChunkAppended, nil
	}

	sum := blake3.Sum256(pc.buf)
	actual := fmt.Sprintf("%x", sum)
	if actual != chunkHash {
		delete(ctx.inProgress, chunkHash)
		return 0, &ChunkHashMismatchError{Declared: chunkHash, Actual: actual}
	}

	if _, err := c.packs.WriteChunk(pc.buf, repository.CompressionLZ4); err != nil {
		if _, dup := err.(*repository.DuplicateHashError); !dup {
			return 0, err
		}
		// Already stored by an earlier submit; that's the point of
		// content addressing, not a failure.
	}

	delete(ctx.inProgress, chunkHash)
	ctx.uploaded[chunkHash] = true
	return ChunkFinished, nil
}

// Commit re-verifies expectations, checks every file's content is fully
// available, and atomically persists a new changelist. A ConflictError or
// an expired ticket releases the ticket's locks; on a MissingChunksError or
// a metadata backend failure the ticket stays Active.
func (c *Coordinator) Commit(ticketID string) (CommitResult, error) {
	ctx, err := c.activeTicket(ticketID)
	if err != nil {
		return CommitResult{}, err
	}

	_, mismatches, err := c.resolveFiles(ctx.branchID, submissionsOf(ctx.files))
	if err != nil {
		return CommitResult{}, err
	}
	if len(mismatches) > 0 {
		c.unlockContext(ctx)
		c.mu.Lock()
		delete(c.tickets, ticketID)
		c.mu.Unlock()
		return CommitResult{}, &ConflictError{Mismatches: mismatches}
	}

	if missing := c.findMissingChunks(ctx); len(missing) > 0 {
		return CommitResult{}, &MissingChunksError{Missing: missing}
	}

	branch, err := c.reader.GetBranch(ctx.branchID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("submit: commit: read branch %s: %w", ctx.branchID, err)
	}
	parent := ""
	if branch != nil {
		parent = branch.HeadChangelistID
	}

	clID := newID()
	now := time.Now()

	var newFiles []metadata.FileDoc
	var revisions []metadata.FileRevisionDoc
	changes := make([]metadata.ChangelistChange, 0, len(ctx.files))
	revByPath := make(map[string]string, len(ctx.files))

	for _, rf := range ctx.files {
		if rf.isCreate {
			newFiles = append(newFiles, metadata.FileDoc{ID: rf.fileID, Path: rf.sub.DepotPath, CreatedAt: now})
		}
		action := metadata.ActionModify
		if rf.isCreate {
			action = metadata.ActionCreate
		}
		if rf.sub.IsDelete {
			action = metadata.ActionDelete
		}
		var parentRev string
		if !rf.isCreate {
			parentRev = rf.currentRevisionID
		}
		revisions = append(revisions, metadata.FileRevisionDoc{
			ID:               rf.newRevisionID,
			BranchID:         ctx.branchID,
			FileID:           rf.fileID,
			ChangelistID:     clID,
			BinaryID:         rf.sub.BinaryID,
			ParentRevisionID: parentRev,
			Generation:       rf.nextGeneration,
			Size:             rf.sub.Size,
			IsDelete:         rf.sub.IsDelete,
			CreatedAt:        now,
		})
		changes = append(changes, metadata.ChangelistChange{FileID: rf.fileID, Action: action, RevisionID: rf.newRevisionID})
		revByPath[rf.sub.DepotPath] = rf.newRevisionID
	}

	cl := metadata.ChangelistDoc{
		ID:                 clID,
		ParentChangelistID: parent,
		BranchID:           ctx.branchID,
		Author:             ctx.submitter,
		CommittedAt:        now,
		Changes:            changes,
		FilesCount:         len(changes),
	}

	c.journalIntent(ctx.branchID, clID, ctx.paths)

	if err := c.metaStore.CommitChangelist(ctx.branchID, cl, newFiles, revisions); err != nil {
		return CommitResult{}, fmt.Errorf("submit: commit changelist: %w", err)
	}

	c.depotState.ClearAllFileTreeCache(ctx.branchID)
	c.unlockContext(ctx)
	c.mu.Lock()
	ctx.state = TicketCommitted
	delete(c.tickets, ticketID)
	c.mu.Unlock()

	c.logger.Info("submit committed", "ticket", ticketID, "changelist", clID, "branch", ctx.branchID)
	return CommitResult{ChangelistID: clID, CommittedAt: now, RevisionsByPath: revByPath}, nil
}

func submissionsOf(files []resolvedFile) []FileSubmission {
	out := make([]FileSubmission, len(files))
	for i, f := range files {
		out[i] = f.sub
	}
	return out
}

func (c *Coordinator) findMissingChunks(ctx *ticketContext) []MissingChunk {
	ctx.chunksMu.Lock()
	defer ctx.chunksMu.Unlock()

	var missing []MissingChunk
	for _, rf := range ctx.files {
		if rf.sub.IsDelete {
			continue
		}
		for _, hash := range rf.sub.BinaryID {
			if ctx.uploaded[hash] {
				continue
			}
			raw, err := hex.DecodeString(hash)
			if err != nil || len(raw) != 32 {
				missing = append(missing, MissingChunk{Path: rf.sub.DepotPath, ChunkHash: hash})
				continue
			}
			var sum [32]byte
			copy(sum[:], raw)
			has, err := c.packs.HasChunk(sum)
			if err != nil || !has {
				missing = append(missing, MissingChunk{Path: rf.sub.DepotPath, ChunkHash: hash})
			}
		}
	}
	return missing
}

// Abort discards ticketID: releases its locks and forgets its chunk cache.
func (c *Coordinator) Abort(ticketID string) error {
	ctx, err := c.activeTicket(ticketID)
	if err != nil {
		return err
	}
	c.unlockContext(ctx)
	c.mu.Lock()
	ctx.state = TicketAborted
	delete(c.tickets, ticketID)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) activeTicket(ticketID string) (*ticketContext, error) {
	c.mu.RLock()
	ctx, ok := c.tickets[ticketID]
	c.mu.RUnlock()
	if !ok {
		return nil, &ContextNotFoundError{TicketID: ticketID}
	}
	if time.Now().After(ctx.deadline) {
		c.expireTicket(ticketID)
		return nil, &ContextExpiredError{TicketID: ticketID}
	}
	return ctx, nil
}

// unlockContext releases a ticket's path and depot-state locks. It does not
// touch c.mu or c.tickets; callers remove the ticket from the map
// themselves once they're done with it.
func (c *Coordinator) unlockContext(ctx *ticketContext) {
	c.depotState.UnlockFiles(ctx.branchID, ctx.fileIDs)
}

// reapExpired implements the collect-then-release-then-act pattern: it
// takes a snapshot of expired ticket ids under a brief read lock, releases
// it, then expires each one individually. Releasing contexts-lock before
// touching any single ticket's lock set avoids the deadlock that acquiring
// both at once under one critical section would risk when a caller is
// concurrently inside LaunchSubmit or Commit for the same ticket.
func (c *Coordinator) reapExpired() {
	now := time.Now()
	c.mu.RLock()
	var expired []string
	for id, ctx := range c.tickets {
		if now.After(ctx.deadline) {
			expired = append(expired, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range expired {
		c.expireTicket(id)
	}
}

func (c *Coordinator) expireTicket(ticketID string) {
	c.mu.Lock()
	ctx, ok := c.tickets[ticketID]
	if !ok || ctx.state != TicketActive {
		c.mu.Unlock()
		return
	}
	ctx.state = TicketExpired
	delete(c.tickets, ticketID)
	c.mu.Unlock()

	// Locks are released after the ticket is already gone from the map, so
	// a racing Commit/UploadChunk on the same id fails fast on
	// ContextNotFoundError instead of partially succeeding against a
	// ticket we're in the middle of tearing down.
	c.unlockContext(ctx)
	c.logger.Warn("submit ticket expired", "ticket", ticketID, "branch", ctx.branchID)
}
