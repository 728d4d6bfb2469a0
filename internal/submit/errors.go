package submit

import (
	"fmt"
	"strings"
)

// ContextNotFoundError is returned when a ticket id is unknown, already
// terminal, or never existed.
type ContextNotFoundError struct {
	TicketID string
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("submit: unknown ticket %s", e.TicketID)
}

// ContextExpiredError is returned when an operation targets a ticket whose
// deadline has passed.
type ContextExpiredError struct {
	TicketID string
}

func (e *ContextExpiredError) Error() string {
	return fmt.Sprintf("submit: ticket %s expired", e.TicketID)
}

// DuplicatePathError is returned when launch_submit names the same depot
// path more than once.
type DuplicatePathError struct {
	Path string
}

func (e *DuplicatePathError) Error() string {
	return fmt.Sprintf("submit: duplicate path in request: %s", e.Path)
}

// PathConflict describes one depot path already held by another ticket.
type PathConflict struct {
	Path           string
	HeldByTicketID string
}

// LockConflictError is returned when launch_submit can't acquire every path
// lock it asked for. It carries the full conflict list, not just the first.
type LockConflictError struct {
	Conflicts []PathConflict
}

func (e *LockConflictError) Error() string {
	paths := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		paths[i] = c.Path
	}
	return fmt.Sprintf("submit: path lock conflict on [%s]", strings.Join(paths, ", "))
}

// ExpectationMismatch describes one file whose current generation/revision
// no longer matches what the caller expected.
type ExpectationMismatch struct {
	Path               string
	ExpectedGeneration *int64
	ExpectedRevisionID *string
	CurrentGeneration  int64
	CurrentRevisionID  string
}

// ConflictError is returned by launch_submit or commit when optimistic
// expectations no longer hold. It carries every mismatch found, not just
// the first, so the caller can resolve them all before retrying.
type ConflictError struct {
	Mismatches []ExpectationMismatch
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("submit: %d expectation mismatch(es)", len(e.Mismatches))
}

// AppendOffsetMismatchError is returned when upload_chunk's offset doesn't
// match the chunk cache's current length for chunkHash, violating the
// cache's strict-append invariant.
type AppendOffsetMismatchError struct {
	ChunkHash string
	Offset    uint64
	Expected  uint64
}

func (e *AppendOffsetMismatchError) Error() string {
	return fmt.Sprintf("submit: chunk %s offset %d != expected %d", e.ChunkHash, e.Offset, e.Expected)
}

// ChunkOverflowError is returned when an upload_chunk write would exceed
// the chunk's declared size.
type ChunkOverflowError struct {
	ChunkHash string
}

func (e *ChunkOverflowError) Error() string {
	return fmt.Sprintf("submit: chunk %s write exceeds declared size", e.ChunkHash)
}

// ChunkHashMismatchError is returned when a fully-assembled chunk's content
// doesn't hash to the name it was uploaded under.
type ChunkHashMismatchError struct {
	Declared string
	Actual   string
}

func (e *ChunkHashMismatchError) Error() string {
	return fmt.Sprintf("submit: chunk hash mismatch: declared %s, actual %s", e.Declared, e.Actual)
}

// MissingChunk names one (path, chunk hash) pair commit found neither
// uploaded this ticket nor already present in the pack store.
type MissingChunk struct {
	Path      string
	ChunkHash string
}

// MissingChunksError is returned by commit when a file's content isn't
// fully available yet. The ticket remains active: the caller can upload the
// listed chunks and retry commit.
type MissingChunksError struct {
	Missing []MissingChunk
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("submit: %d chunk(s) missing", len(e.Missing))
}
