// Package metadatastore is a bbolt-backed implementation of
// metadata.Store: the external document store the tree reconstructor and
// submit coordinator consume through the metadata.Reader/Writer
// interfaces. The core treats this as pluggable infrastructure — any store
// that preserves the entity contracts would do — but a concrete,
// transactional implementation is what lets the submit coordinator's
// multi-document commit actually be atomic.
package metadatastore

import (
	"encoding/json"
	"fmt"

	"github.com/chronoverse/crv/internal/metadata"
	"go.etcd.io/bbolt"
)

var (
	bucketBranches    = []byte("branches")
	bucketChangelists = []byte("changelists")
	bucketFiles       = []byte("files")
	bucketRevisions   = []byte("revisions")

	// bucketPathIndex maps "<branch_id>\x00<path>" -> the newest revision id
	// written for that (branch, path) pair, so
	// FindLatestFileRevisionByDepotPath doesn't need a full scan.
	bucketPathIndex = []byte("path_index")
)

var allBuckets = [][]byte{bucketBranches, bucketChangelists, bucketFiles, bucketRevisions, bucketPathIndex}

// Store is a bbolt-backed metadata.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) a bbolt database at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

var _ metadata.Store = (*Store)(nil)

func pathIndexKey(branchID, path string) []byte {
	return []byte(branchID + "\x00" + path)
}

func getJSON(b *bbolt.Bucket, key string, out interface{}) (bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

// GetBranch implements metadata.Reader.
func (s *Store) GetBranch(branchID string) (*metadata.BranchDoc, error) {
	var doc metadata.BranchDoc
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketBranches), branchID, &doc)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &doc, nil
}

// GetChangelist implements metadata.Reader.
func (s *Store) GetChangelist(changelistID string) (*metadata.ChangelistDoc, error) {
	var doc metadata.ChangelistDoc
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketChangelists), changelistID, &doc)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &doc, nil
}

// GetFile implements metadata.Reader.
func (s *Store) GetFile(fileID string) (*metadata.FileDoc, error) {
	var doc metadata.FileDoc
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketFiles), fileID, &doc)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &doc, nil
}

// GetFileRevision implements metadata.Reader.
func (s *Store) GetFileRevision(revisionID string) (*metadata.FileRevisionDoc, error) {
	var doc metadata.FileRevisionDoc
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketRevisions), revisionID, &doc)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &doc, nil
}

// FindLatestFileRevisionByDepotPath implements metadata.Reader via the
// path index bucket.
func (s *Store) FindLatestFileRevisionByDepotPath(branchID, path string) (*metadata.FileRevisionDoc, error) {
	var revID string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketPathIndex).Get(pathIndexKey(branchID, path))
		if raw == nil {
			return nil
		}
		revID = string(raw)
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return s.GetFileRevision(revID)
}

// InsertFile implements metadata.Writer.
func (s *Store) InsertFile(file metadata.FileDoc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketFiles), file.ID, file)
	})
}

// InsertFileRevisions implements metadata.Writer.
func (s *Store) InsertFileRevisions(revisions []metadata.FileRevisionDoc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insertFileRevisionsTx(tx, revisions)
	})
}

// InsertChangelist implements metadata.Writer.
func (s *Store) InsertChangelist(branchID string, cl metadata.ChangelistDoc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insertChangelistTx(tx, branchID, cl)
	})
}

func insertFileRevisionsTx(tx *bbolt.Tx, revisions []metadata.FileRevisionDoc) error {
	revBucket := tx.Bucket(bucketRevisions)
	fileBucket := tx.Bucket(bucketFiles)
	idxBucket := tx.Bucket(bucketPathIndex)
	for _, rev := range revisions {
		if err := putJSON(revBucket, rev.ID, rev); err != nil {
			return err
		}
		var file metadata.FileDoc
		found, err := getJSON(fileBucket, rev.FileID, &file)
		if err != nil {
			return err
		}
		if found {
			if err := idxBucket.Put(pathIndexKey(rev.BranchID, file.Path), []byte(rev.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertChangelistTx(tx *bbolt.Tx, branchID string, cl metadata.ChangelistDoc) error {
	if err := putJSON(tx.Bucket(bucketChangelists), cl.ID, cl); err != nil {
		return err
	}

	var branch metadata.BranchDoc
	found, err := getJSON(tx.Bucket(bucketBranches), branchID, &branch)
	if err != nil {
		return err
	}
	if !found {
		branch = metadata.BranchDoc{ID: branchID}
	}
	branch.HeadChangelistID = cl.ID
	return putJSON(tx.Bucket(bucketBranches), branchID, branch)
}

// PutBranch inserts or replaces a branch document outright. Used to seed a
// new branch; not part of metadata.Writer because ordinary submits only
// ever advance an existing branch's head via InsertChangelist.
func (s *Store) PutBranch(branch metadata.BranchDoc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketBranches), branch.ID, branch)
	})
}

// CommitChangelist atomically persists any newly-created files, their
// revisions, the new changelist, and the branch head advance in a single
// bbolt transaction — the logical atomic unit a submit's commit phase
// requires. The submit coordinator uses this instead of calling the Writer
// methods individually so a crash partway through can never leave a
// changelist without its revisions, or a revision pointing at a file that
// was never persisted.
func (s *Store) CommitChangelist(branchID string, cl metadata.ChangelistDoc, newFiles []metadata.FileDoc, revisions []metadata.FileRevisionDoc) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		fileBucket := tx.Bucket(bucketFiles)
		for _, f := range newFiles {
			if err := putJSON(fileBucket, f.ID, f); err != nil {
				return err
			}
		}
		if err := insertFileRevisionsTx(tx, revisions); err != nil {
			return err
		}
		return insertChangelistTx(tx, branchID, cl)
	})
}
