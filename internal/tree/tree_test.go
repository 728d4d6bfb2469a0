package tree

import (
	"fmt"
	"testing"

	"github.com/chronoverse/crv/internal/metadata"
)

// fakeReader is an in-memory metadata.Reader for tree tests.
type fakeReader struct {
	branches    map[string]*metadata.BranchDoc
	changelists map[string]*metadata.ChangelistDoc
	files       map[string]*metadata.FileDoc
	revisions   map[string]*metadata.FileRevisionDoc
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		branches:    map[string]*metadata.BranchDoc{},
		changelists: map[string]*metadata.ChangelistDoc{},
		files:       map[string]*metadata.FileDoc{},
		revisions:   map[string]*metadata.FileRevisionDoc{},
	}
}

func (f *fakeReader) GetBranch(id string) (*metadata.BranchDoc, error) { return f.branches[id], nil }
func (f *fakeReader) GetChangelist(id string) (*metadata.ChangelistDoc, error) {
	return f.changelists[id], nil
}
func (f *fakeReader) GetFile(id string) (*metadata.FileDoc, error) { return f.files[id], nil }
func (f *fakeReader) GetFileRevision(id string) (*metadata.FileRevisionDoc, error) {
	return f.revisions[id], nil
}
func (f *fakeReader) FindLatestFileRevisionByDepotPath(branchID, path string) (*metadata.FileRevisionDoc, error) {
	var latest *metadata.FileRevisionDoc
	for _, rev := range f.revisions {
		if rev.BranchID != branchID {
			continue
		}
		file := f.files[rev.FileID]
		if file == nil || file.Path != path {
			continue
		}
		if latest == nil || rev.CreatedAt.After(latest.CreatedAt) {
			latest = rev
		}
	}
	return latest, nil
}

// buildS5 constructs the S5 scenario fixture: branch "main" with
// CL100 (create f1 -> r1), CL200 (modify f1 -> r2, create f2 elsewhere ->
// r3), CL300 (delete f1).
func buildS5() *fakeReader {
	r := newFakeReader()
	r.branches["main"] = &metadata.BranchDoc{ID: "main", HeadChangelistID: "CL300"}
	r.files["f1"] = &metadata.FileDoc{ID: "f1", Path: "//src/module/a.cpp"}
	r.files["f2"] = &metadata.FileDoc{ID: "f2", Path: "//src/other/b.cpp"}
	r.revisions["r1"] = &metadata.FileRevisionDoc{ID: "r1", BranchID: "main", FileID: "f1", ChangelistID: "CL100", Size: 10}
	r.revisions["r2"] = &metadata.FileRevisionDoc{ID: "r2", BranchID: "main", FileID: "f1", ChangelistID: "CL200", Size: 20, ParentRevisionID: "r1"}
	r.revisions["r3"] = &metadata.FileRevisionDoc{ID: "r3", BranchID: "main", FileID: "f2", ChangelistID: "CL200", Size: 5}

	r.changelists["CL100"] = &metadata.ChangelistDoc{
		ID: "CL100", BranchID: "main",
		Changes: []metadata.ChangelistChange{{FileID: "f1", Action: metadata.ActionCreate, RevisionID: "r1"}},
	}
	r.changelists["CL200"] = &metadata.ChangelistDoc{
		ID: "CL200", BranchID: "main", ParentChangelistID: "CL100",
		Changes: []metadata.ChangelistChange{
			{FileID: "f1", Action: metadata.ActionModify, RevisionID: "r2"},
			{FileID: "f2", Action: metadata.ActionCreate, RevisionID: "r3"},
		},
	}
	r.changelists["CL300"] = &metadata.ChangelistDoc{
		ID: "CL300", BranchID: "main", ParentChangelistID: "CL200",
		Changes: []metadata.ChangelistChange{{FileID: "f1", Action: metadata.ActionDelete, RevisionID: "r2"}},
	}
	return r
}

func TestConstructVisibilityAcrossChangelists(t *testing.T) {
	r := buildS5()
	w, err := metadata.ParseWildcard("//src/module/...")
	if err != nil {
		t.Fatalf("ParseWildcard: %v", err)
	}

	tr, err := Construct("main", w, "CL200", r)
	if err != nil {
		t.Fatalf("Construct at CL200: %v", err)
	}
	if len(tr.Root.Children) != 1 || tr.Root.Children[0].Name != "a.cpp" {
		t.Fatalf("expected single a.cpp node, got %+v", tr.Root.Children)
	}
	if tr.Root.Children[0].RevisionID != "r2" {
		t.Fatalf("expected r2, got %s", tr.Root.Children[0].RevisionID)
	}

	tr, err = Construct("main", w, "CL300", r)
	if err != nil {
		t.Fatalf("Construct at CL300: %v", err)
	}
	if len(tr.Root.Children) != 0 {
		t.Fatalf("expected empty tree after delete, got %+v", tr.Root.Children)
	}
}

func TestConstructMissingBranch(t *testing.T) {
	r := buildS5()
	w, _ := metadata.ParseWildcard("//src/module/...")
	_, err := Construct("nope", w, "CL100", r)
	if _, ok := err.(*BranchNotFoundError); !ok {
		t.Fatalf("expected BranchNotFoundError, got %v", err)
	}
}

func TestConstructMissingChangelist(t *testing.T) {
	r := buildS5()
	w, _ := metadata.ParseWildcard("//src/module/...")
	_, err := Construct("main", w, "CLNOPE", r)
	if _, ok := err.(*ChangelistNotFoundError); !ok {
		t.Fatalf("expected ChangelistNotFoundError, got %v", err)
	}
}

func TestConstructBranchMismatch(t *testing.T) {
	r := buildS5()
	r.branches["side"] = &metadata.BranchDoc{ID: "side"}
	w, _ := metadata.ParseWildcard("//src/module/...")
	_, err := Construct("side", w, "CL100", r)
	if _, ok := err.(*BranchMismatchError); !ok {
		t.Fatalf("expected BranchMismatchError, got %v", err)
	}
}

func TestConstructIsDeterministic(t *testing.T) {
	r := buildS5()
	w, _ := metadata.ParseWildcard("//src/...")
	t1, err := Construct("main", w, "CL200", r)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	t2, err := Construct("main", w, "CL200", r)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	if !treesEqual(t1.Root, t2.Root) {
		t.Fatalf("expected identical trees across calls")
	}
}

func treesEqual(a, b FileTreeNode) bool {
	if a.Kind != b.Kind || a.Name != b.Name || a.RevisionID != b.RevisionID {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !treesEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// collectFiles flattens a tree into file_id -> revision_id, ignoring
// directory structure, so a long or wide chain's result can be checked
// without walking the tree shape by hand.
func collectFiles(node FileTreeNode, out map[string]string) {
	for _, c := range node.Children {
		if c.Kind == KindDirectory {
			collectFiles(c, out)
			continue
		}
		out[c.FileID] = c.RevisionID
	}
}

// TestConstructLongPseudoRandomChangelistChain walks a 10-hop changelist
// chain where each changelist pseudo-randomly creates, modifies, or deletes
// one of three files, two of them under the queried wildcard. It exercises
// computeVisibility over a chain long enough that a first-change-wins bug
// would only show up after several hops, not on the first one.
func TestConstructLongPseudoRandomChangelistChain(t *testing.T) {
	r := newFakeReader()
	r.branches["branch_rand"] = &metadata.BranchDoc{ID: "branch_rand", HeadChangelistID: "10"}
	r.files["fa"] = &metadata.FileDoc{ID: "fa", Path: "//src/module/fa.txt"}
	r.files["fb"] = &metadata.FileDoc{ID: "fb", Path: "//src/module/deep/fb.txt"}
	r.files["fc"] = &metadata.FileDoc{ID: "fc", Path: "//src/other/fc.txt"}

	fileIDs := []string{"fa", "fb", "fc"}
	exists := map[string]bool{"fa": false, "fb": false, "fc": false}
	revCounters := map[string]int{"fa": 0, "fb": 0, "fc": 0}
	expectedVisible := map[string]string{} // "" means deleted/never created

	for i := 1; i <= 10; i++ {
		parentID := ""
		if i > 1 {
			parentID = fmt.Sprintf("%d", i-1)
		}

		fileID := fileIDs[(i*7)%len(fileIDs)]

		var action metadata.ChangelistAction
		var revisionID string

		if !exists[fileID] {
			revCounters[fileID]++
			revisionID = fmt.Sprintf("%s_r%d", fileID, revCounters[fileID])
			r.revisions[revisionID] = &metadata.FileRevisionDoc{
				ID: revisionID, BranchID: "branch_rand", FileID: fileID,
				ChangelistID: fmt.Sprintf("%d", i), Size: int64(10 * i),
			}
			exists[fileID] = true
			expectedVisible[fileID] = revisionID
			action = metadata.ActionCreate
		} else if i%3 == 0 {
			exists[fileID] = false
			expectedVisible[fileID] = ""
			action = metadata.ActionDelete
			revisionID = fmt.Sprintf("%s_del%d", fileID, i)
		} else {
			revCounters[fileID]++
			revisionID = fmt.Sprintf("%s_r%d", fileID, revCounters[fileID])
			r.revisions[revisionID] = &metadata.FileRevisionDoc{
				ID: revisionID, BranchID: "branch_rand", FileID: fileID,
				ChangelistID: fmt.Sprintf("%d", i), Size: int64(10 * i),
			}
			expectedVisible[fileID] = revisionID
			action = metadata.ActionModify
		}

		r.changelists[fmt.Sprintf("%d", i)] = &metadata.ChangelistDoc{
			ID: fmt.Sprintf("%d", i), BranchID: "branch_rand", ParentChangelistID: parentID,
			Changes: []metadata.ChangelistChange{{FileID: fileID, Action: action, RevisionID: revisionID}},
		}
	}

	w, err := metadata.ParseWildcard("//src/module/...")
	if err != nil {
		t.Fatalf("ParseWildcard: %v", err)
	}
	tr, err := Construct("branch_rand", w, "10", r)
	if err != nil {
		t.Fatalf("Construct over long chain: %v", err)
	}

	got := map[string]string{}
	collectFiles(tr.Root, got)

	for _, fid := range []string{"fa", "fb"} {
		want := expectedVisible[fid]
		if want == "" {
			if _, ok := got[fid]; ok {
				t.Errorf("file %s should not be visible, got revision %s", fid, got[fid])
			}
			continue
		}
		if got[fid] != want {
			t.Errorf("file %s: got revision %s, want %s", fid, got[fid], want)
		}
	}

	if _, ok := got["fc"]; ok {
		t.Errorf("fc is outside the wildcard and must never appear in the tree")
	}
}

// TestConstructLargeScale builds a single changelist creating 100 files
// split between the queried wildcard and a sibling path, across several
// directory levels, to check the arena's behavior doesn't degrade or
// misplace entries once the tree has real breadth and depth.
func TestConstructLargeScale(t *testing.T) {
	const fileCount = 100
	r := newFakeReader()
	r.branches["branch_large"] = &metadata.BranchDoc{ID: "branch_large", HeadChangelistID: "1"}

	changes := make([]metadata.ChangelistChange, 0, fileCount)
	expectedModuleFiles := 0

	for i := 0; i < fileCount; i++ {
		fileID := fmt.Sprintf("f%d", i)
		revID := fmt.Sprintf("rev_%d", i)

		isModuleFile := i%2 == 0
		var path string
		if isModuleFile {
			path = fmt.Sprintf("//src/module/dir_%d/sub_%d/file_%d.txt", i%5, i%3, i)
			expectedModuleFiles++
		} else {
			path = fmt.Sprintf("//src/other/dir_%d/file_%d.txt", i%4, i)
		}

		r.files[fileID] = &metadata.FileDoc{ID: fileID, Path: path}
		r.revisions[revID] = &metadata.FileRevisionDoc{
			ID: revID, BranchID: "branch_large", FileID: fileID,
			ChangelistID: "1", Size: int64(100 + i),
		}
		changes = append(changes, metadata.ChangelistChange{FileID: fileID, Action: metadata.ActionCreate, RevisionID: revID})
	}

	r.changelists["1"] = &metadata.ChangelistDoc{ID: "1", BranchID: "branch_large", Changes: changes}

	w, err := metadata.ParseWildcard("//src/module/...")
	if err != nil {
		t.Fatalf("ParseWildcard: %v", err)
	}
	tr, err := Construct("branch_large", w, "1", r)
	if err != nil {
		t.Fatalf("Construct at scale: %v", err)
	}

	got := map[string]string{}
	collectFiles(tr.Root, got)

	for i := 0; i < fileCount; i++ {
		fileID := fmt.Sprintf("f%d", i)
		revID := fmt.Sprintf("rev_%d", i)
		if i%2 == 0 {
			if got[fileID] != revID {
				t.Errorf("module file %s: got revision %q, want %q", fileID, got[fileID], revID)
			}
		} else if _, ok := got[fileID]; ok {
			t.Errorf("non-module file %s should not be in tree", fileID)
		}
	}

	if len(got) != expectedModuleFiles {
		t.Errorf("tree has %d files, want %d", len(got), expectedModuleFiles)
	}
	if expectedModuleFiles <= 10 {
		t.Fatalf("test fixture too small to exercise scale, got %d module files", expectedModuleFiles)
	}
}
