package metadatastore

import (
	"path/filepath"
	"testing"

	"github.com/chronoverse/crv/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutBranch(metadata.BranchDoc{ID: "main"}); err != nil {
		t.Fatalf("PutBranch: %v", err)
	}
	if err := s.InsertFile(metadata.FileDoc{ID: "f1", Path: "//a/b.txt"}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	cl := metadata.ChangelistDoc{
		ID:       "CL1",
		BranchID: "main",
		Changes:  []metadata.ChangelistChange{{FileID: "f1", Action: metadata.ActionCreate, RevisionID: "r1"}},
	}
	rev := metadata.FileRevisionDoc{ID: "r1", BranchID: "main", FileID: "f1", ChangelistID: "CL1", Size: 3}

	if err := s.CommitChangelist("main", cl, nil, []metadata.FileRevisionDoc{rev}); err != nil {
		t.Fatalf("CommitChangelist: %v", err)
	}

	branch, err := s.GetBranch("main")
	if err != nil || branch == nil {
		t.Fatalf("GetBranch: %v, %v", branch, err)
	}
	if branch.HeadChangelistID != "CL1" {
		t.Errorf("HeadChangelistID = %q, want CL1", branch.HeadChangelistID)
	}

	got, err := s.GetFileRevision("r1")
	if err != nil || got == nil {
		t.Fatalf("GetFileRevision: %v, %v", got, err)
	}
	if got.Size != 3 {
		t.Errorf("Size = %d, want 3", got.Size)
	}

	latest, err := s.FindLatestFileRevisionByDepotPath("main", "//a/b.txt")
	if err != nil || latest == nil {
		t.Fatalf("FindLatestFileRevisionByDepotPath: %v, %v", latest, err)
	}
	if latest.ID != "r1" {
		t.Errorf("latest.ID = %q, want r1", latest.ID)
	}
}

func TestGetMissingReturnsNilNotError(t *testing.T) {
	s := newTestStore(t)
	branch, err := s.GetBranch("nope")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if branch != nil {
		t.Errorf("expected nil branch for missing id")
	}
}

func TestFindLatestFileRevisionByDepotPathTracksNewest(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertFile(metadata.FileDoc{ID: "f1", Path: "//a/b.txt"}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	cl1 := metadata.ChangelistDoc{ID: "CL1", BranchID: "main"}
	if err := s.CommitChangelist("main", cl1, nil, []metadata.FileRevisionDoc{{ID: "r1", BranchID: "main", FileID: "f1", ChangelistID: "CL1"}}); err != nil {
		t.Fatalf("CommitChangelist 1: %v", err)
	}
	cl2 := metadata.ChangelistDoc{ID: "CL2", BranchID: "main", ParentChangelistID: "CL1"}
	if err := s.CommitChangelist("main", cl2, nil, []metadata.FileRevisionDoc{{ID: "r2", BranchID: "main", FileID: "f1", ChangelistID: "CL2"}}); err != nil {
		t.Fatalf("CommitChangelist 2: %v", err)
	}

	latest, err := s.FindLatestFileRevisionByDepotPath("main", "//a/b.txt")
	if err != nil || latest == nil {
		t.Fatalf("FindLatestFileRevisionByDepotPath: %v, %v", latest, err)
	}
	if latest.ID != "r2" {
		t.Errorf("latest.ID = %q, want r2", latest.ID)
	}
}

func TestCommitChangelistInsertsNewFiles(t *testing.T) {
	s := newTestStore(t)

	cl := metadata.ChangelistDoc{
		ID:       "CL1",
		BranchID: "main",
		Changes:  []metadata.ChangelistChange{{FileID: "f1", Action: metadata.ActionCreate, RevisionID: "r1"}},
	}
	newFile := metadata.FileDoc{ID: "f1", Path: "//a/new.txt"}
	rev := metadata.FileRevisionDoc{ID: "r1", BranchID: "main", FileID: "f1", ChangelistID: "CL1", Size: 9}

	if err := s.CommitChangelist("main", cl, []metadata.FileDoc{newFile}, []metadata.FileRevisionDoc{rev}); err != nil {
		t.Fatalf("CommitChangelist: %v", err)
	}

	got, err := s.GetFile("f1")
	if err != nil || got == nil {
		t.Fatalf("GetFile: %v, %v", got, err)
	}
	if got.Path != "//a/new.txt" {
		t.Errorf("Path = %q, want //a/new.txt", got.Path)
	}

	latest, err := s.FindLatestFileRevisionByDepotPath("main", "//a/new.txt")
	if err != nil || latest == nil {
		t.Fatalf("FindLatestFileRevisionByDepotPath: %v, %v", latest, err)
	}
	if latest.ID != "r1" {
		t.Errorf("latest.ID = %q, want r1", latest.ID)
	}
}
