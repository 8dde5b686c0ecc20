package metacache

import (
	"testing"
	"time"

	"resticgw/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertThenLookup(t *testing.T) {
	s := openTestStore(t)

	node := &model.FileNode{
		FileID: 42, ParentID: 0, Name: "config", IsDir: false,
		Size: 128, Etag: "abc123", UpdatedAt: time.Now(),
	}
	if err := s.Insert(node); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := s.Lookup(0, "config")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got == nil {
		t.Fatal("Lookup() returned nil, want node")
	}
	if got.FileID != 42 || got.Size != 128 || got.Etag != "abc123" {
		t.Errorf("Lookup() = %+v, want file_id=42 size=128 etag=abc123", got)
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.Lookup(0, "does-not-exist")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup() = %+v, want nil", got)
	}
}

func TestInsertUpsertOnDuplicateFileID(t *testing.T) {
	s := openTestStore(t)

	base := &model.FileNode{FileID: 1, ParentID: 0, Name: "data", IsDir: true, UpdatedAt: time.Now()}
	if err := s.Insert(base); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	updated := &model.FileNode{FileID: 1, ParentID: 0, Name: "data", IsDir: true, Size: 999, Etag: "new-etag", UpdatedAt: time.Now()}
	if err := s.Insert(updated); err != nil {
		t.Fatalf("Insert() (update) failed: %v", err)
	}

	got, err := s.Lookup(0, "data")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got.Size != 999 || got.Etag != "new-etag" {
		t.Errorf("Lookup() = %+v, want size=999 etag=new-etag after upsert", got)
	}
}

func TestDeleteThenLookupAbsent(t *testing.T) {
	s := openTestStore(t)

	node := &model.FileNode{FileID: 7, ParentID: 0, Name: "keys", IsDir: true, UpdatedAt: time.Now()}
	if err := s.Insert(node); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := s.Delete(7); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := s.Lookup(0, "keys")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Lookup() = %+v after Delete(), want nil", got)
	}
}

func TestHasChildren(t *testing.T) {
	s := openTestStore(t)

	has, err := s.HasChildren(100)
	if err != nil {
		t.Fatalf("HasChildren() failed: %v", err)
	}
	if has {
		t.Error("HasChildren() = true for empty parent, want false")
	}

	if err := s.Insert(&model.FileNode{FileID: 1, ParentID: 100, Name: "child", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	has, err = s.HasChildren(100)
	if err != nil {
		t.Fatalf("HasChildren() failed: %v", err)
	}
	if !has {
		t.Error("HasChildren() = false after insert, want true")
	}
}

func TestListFiltersByIsDir(t *testing.T) {
	s := openTestStore(t)

	nodes := []*model.FileNode{
		{FileID: 1, ParentID: 5, Name: "sub-dir", IsDir: true, UpdatedAt: time.Now()},
		{FileID: 2, ParentID: 5, Name: "file-a", IsDir: false, UpdatedAt: time.Now()},
		{FileID: 3, ParentID: 5, Name: "file-b", IsDir: false, UpdatedAt: time.Now()},
	}
	for _, n := range nodes {
		if err := s.Insert(n); err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}

	all, err := s.List(5, nil)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(nil) returned %d nodes, want 3", len(all))
	}

	dirsOnly := true
	dirs, err := s.List(5, &dirsOnly)
	if err != nil {
		t.Fatalf("List(dirs) failed: %v", err)
	}
	if len(dirs) != 1 || dirs[0].Name != "sub-dir" {
		t.Errorf("List(dirs) = %+v, want single sub-dir", dirs)
	}

	filesOnly := false
	files, err := s.List(5, &filesOnly)
	if err != nil {
		t.Fatalf("List(files) failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("List(files) returned %d nodes, want 2", len(files))
	}
}

func TestListInAggregatesAcrossParents(t *testing.T) {
	s := openTestStore(t)

	if err := s.Insert(&model.FileNode{FileID: 1, ParentID: 10, Name: "obj1", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := s.Insert(&model.FileNode{FileID: 2, ParentID: 20, Name: "obj2", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := s.Insert(&model.FileNode{FileID: 3, ParentID: 30, Name: "obj3", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	got, err := s.ListIn([]int64{10, 20}, nil)
	if err != nil {
		t.Fatalf("ListIn() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListIn([10,20]) returned %d nodes, want 2", len(got))
	}
}

func TestListInEmptyParentsReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ListIn(nil, nil)
	if err != nil {
		t.Fatalf("ListIn(nil) failed: %v", err)
	}
	if got != nil {
		t.Errorf("ListIn(nil) = %+v, want nil", got)
	}
}

func TestReplaceChildrenIsAtomicOverwrite(t *testing.T) {
	s := openTestStore(t)

	initial := []*model.FileNode{
		{FileID: 1, ParentID: 5, Name: "old-a", UpdatedAt: time.Now()},
		{FileID: 2, ParentID: 5, Name: "old-b", UpdatedAt: time.Now()},
	}
	if err := s.ReplaceChildren(5, initial); err != nil {
		t.Fatalf("ReplaceChildren() failed: %v", err)
	}

	fresh := []*model.FileNode{
		{FileID: 3, ParentID: 5, Name: "new-a", UpdatedAt: time.Now()},
	}
	if err := s.ReplaceChildren(5, fresh); err != nil {
		t.Fatalf("ReplaceChildren() (second) failed: %v", err)
	}

	got, err := s.List(5, nil)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "new-a" {
		t.Errorf("List() after ReplaceChildren = %+v, want single new-a", got)
	}
}

func TestResolvePathDescendsSegments(t *testing.T) {
	s := openTestStore(t)

	root := &model.FileNode{FileID: 1, ParentID: 0, Name: "data", IsDir: true, UpdatedAt: time.Now()}
	child := &model.FileNode{FileID: 2, ParentID: 1, Name: "ab", IsDir: true, UpdatedAt: time.Now()}
	if err := s.Insert(root); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := s.Insert(child); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	id, ok, err := s.ResolvePath([]string{"data", "ab"})
	if err != nil {
		t.Fatalf("ResolvePath() failed: %v", err)
	}
	if !ok || id != 2 {
		t.Errorf("ResolvePath() = (%d, %v), want (2, true)", id, ok)
	}
}

func TestResolvePathShortCircuitsOnMiss(t *testing.T) {
	s := openTestStore(t)

	id, ok, err := s.ResolvePath([]string{"data", "nope"})
	if err != nil {
		t.Fatalf("ResolvePath() failed: %v", err)
	}
	if ok || id != 0 {
		t.Errorf("ResolvePath() = (%d, %v), want (0, false)", id, ok)
	}
}

func TestTokenCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if got, err := s.LoadCachedToken(); err != nil {
		t.Fatalf("LoadCachedToken() failed: %v", err)
	} else if got != nil {
		t.Errorf("LoadCachedToken() = %+v, want nil before any store", got)
	}

	tok := CachedToken{AccessToken: "tok-abc", ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second)}
	if err := s.StoreCachedToken(tok); err != nil {
		t.Fatalf("StoreCachedToken() failed: %v", err)
	}

	got, err := s.LoadCachedToken()
	if err != nil {
		t.Fatalf("LoadCachedToken() failed: %v", err)
	}
	if got == nil || got.AccessToken != "tok-abc" {
		t.Errorf("LoadCachedToken() = %+v, want tok-abc", got)
	}

	replacement := CachedToken{AccessToken: "tok-xyz", ExpiresAt: time.Now().Add(2 * time.Hour).Truncate(time.Second)}
	if err := s.StoreCachedToken(replacement); err != nil {
		t.Fatalf("StoreCachedToken() (replace) failed: %v", err)
	}
	got, err = s.LoadCachedToken()
	if err != nil {
		t.Fatalf("LoadCachedToken() failed: %v", err)
	}
	if got.AccessToken != "tok-xyz" {
		t.Errorf("LoadCachedToken() = %+v, want tok-xyz after replace", got)
	}
}

func TestOperationLifecycle(t *testing.T) {
	s := openTestStore(t)

	start := time.Now()
	if err := s.CreateOperation("op-1", "GET", "/data/", start); err != nil {
		t.Fatalf("CreateOperation() failed: %v", err)
	}
	if err := s.FinishOperation("op-1", start.Add(time.Millisecond), "200"); err != nil {
		t.Fatalf("FinishOperation() failed: %v", err)
	}
}

func TestUniqueParentNameConstraint(t *testing.T) {
	s := openTestStore(t)

	if err := s.Insert(&model.FileNode{FileID: 1, ParentID: 0, Name: "dup", UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	// Same parent+name but a different file_id: a distinct upstream object
	// cannot occupy the same cache slot. Enforced by the unique index.
	err := s.Insert(&model.FileNode{FileID: 2, ParentID: 0, Name: "dup", UpdatedAt: time.Now()})
	if err == nil {
		t.Error("Insert() with duplicate (parent_id, name) succeeded, want unique constraint violation")
	}
}
