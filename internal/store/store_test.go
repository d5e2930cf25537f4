package store

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/fyralabs/stratum/internal/state"
)

func requireMkfsErofs(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("mkfs.erofs"); err != nil {
		t.Skip("mkfs.erofs not available in test environment")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	stateDir := t.TempDir()
	s, err := New(base, WithStateDir(stateDir))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestCommitDirectoryBareDeterministic(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi", "b/c.txt": "ok"})

	id1, err := s.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t)
	id2, err := s2.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Fatalf("expected deterministic commit ids, got %s and %s", id1, id2)
	}
}

func TestTagRoundTrip(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi"})

	c1, err := s.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("app", c1, "v1"); err != nil {
		t.Fatal(err)
	}
	resolved, err := s.ResolveTag("app", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != c1 {
		t.Fatalf("resolved tag = %s, want %s", resolved, c1)
	}

	dir2 := writeTree(t, map[string]string{"a.txt": "different"})
	c2, err := s.CommitDirectoryBare(context.Background(), "app", dir2, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("app", c2, "v1"); err != nil {
		t.Fatal(err)
	}
	resolved, err = s.ResolveTag("app", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != c2 {
		t.Fatalf("resolved tag after retag = %s, want %s", resolved, c2)
	}
}

func TestUntagResolvesAbsoluteTagsPath(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi"})
	c1, err := s.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("app", c1, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Untag("app", "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ResolveTag("app", "v1"); err == nil {
		t.Fatal("expected untagged tag to no longer resolve")
	}
}

func TestCreateWorktreeAndHasUncommittedChanges(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi"})
	c1, err := s.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CreateWorktree("app", "feat", c1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateWorktree("app", "feat", c1, ""); err == nil {
		t.Fatal("expected creating a duplicate worktree to fail")
	}

	has, err := s.HasUncommittedChanges("app", "feat")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Fatal("expected fresh worktree to have no uncommitted changes")
	}

	upperdir := s.worktreeUpperdir("app", "feat")
	if err := os.WriteFile(filepath.Join(upperdir, "new.txt"), []byte("extra"), 0o644); err != nil {
		t.Fatal(err)
	}
	has, err = s.HasUncommittedChanges("app", "feat")
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Fatal("expected worktree with upperdir writes to report uncommitted changes")
	}
}

func TestDeleteCommitGuardedByLiveMount(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi"})
	c1, err := s.CommitDirectoryBare(context.Background(), "app", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.mounts.Add(state.Ref{Kind: state.RefCommit, Value: c1}, "/mnt/x", true, c1); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteCommit(c1); err == nil {
		t.Fatal("expected delete to fail while a mount references the commit")
	}

	all, err := s.mounts.All()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range all {
		s.mounts.Remove(m.MountPoint)
	}

	if err := s.DeleteCommit(c1); err != nil {
		t.Fatalf("expected delete to succeed once unmounted, got %v", err)
	}
}

func TestWorktreeMountTrackingScopedByLabel(t *testing.T) {
	requireMkfsErofs(t)
	s := newTestStore(t)
	dir := writeTree(t, map[string]string{"a.txt": "hi"})
	c1, err := s.CommitDirectoryBare(context.Background(), "labelA", dir, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CreateWorktree("labelA", "feat", c1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateWorktree("labelB", "feat", c1, ""); err != nil {
		t.Fatal(err)
	}

	// Simulate labelA+feat being mounted: labelB+feat must not be reported
	// busy, and must remain removable.
	rec := state.Ref{Kind: state.RefWorktree, Value: state.WorktreeKey("labelA", "feat")}
	if _, err := s.mounts.Add(rec, "/mnt/labelA-feat", false, c1); err != nil {
		t.Fatal(err)
	}

	busy, err := s.mounts.IsWorktreeMounted("labelB", "feat")
	if err != nil {
		t.Fatal(err)
	}
	if busy {
		t.Fatal("expected labelB:feat to be unaffected by labelA:feat's mount")
	}

	if err := s.RemoveWorktree("labelB", "feat"); err != nil {
		t.Fatalf("expected labelB:feat removal to succeed, got %v", err)
	}

	if err := s.RemoveWorktree("labelA", "feat"); err == nil {
		t.Fatal("expected labelA:feat removal to be refused while mounted")
	}
}

func TestParseRefDispatch(t *testing.T) {
	cases := []struct {
		in   string
		kind RefKind
	}{
		{"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd", RefCommit},
		{"app+feat", RefWorktree},
		{"app:v1", RefTag},
		{"app", RefTag},
	}
	for _, c := range cases {
		ref, err := ParseRef(c.in)
		if err != nil {
			t.Fatalf("ParseRef(%q): %v", c.in, err)
		}
		if ref.Kind != c.kind {
			t.Errorf("ParseRef(%q).Kind = %v, want %v", c.in, ref.Kind, c.kind)
		}
	}

	if _, err := ParseRef(""); err == nil {
		t.Error("expected empty ref string to be rejected")
	}
}
