package merkle

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHashDirectoryTreeDeterministic(t *testing.T) {
	dir := t.TempDir()
	mustWriteTree(t, dir)

	h1, err := HashDirectoryTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashDirectoryTree(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("expected deterministic directory digest, got %s vs %s", h1, h2)
	}
}

func TestHashDirectoryTreeSymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "does-not-exist")
	link := filepath.Join(dir, "dangling")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		if _, err := HashDirectoryTree(dir); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HashDirectoryTree did not return in bounded time for a dangling symlink")
	}
}

func TestHashDirectoryTreeSymlinkCycle(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	loop := filepath.Join(sub, "loop")
	if err := os.Symlink(dir, loop); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		if _, err := HashDirectoryTree(dir); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("HashDirectoryTree traversed a symlink cycle")
	}
}

func TestChunksSortedAndStable(t *testing.T) {
	dir := t.TempDir()
	mustWriteTree(t, dir)

	c1, err := Chunks(dir)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Chunks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(c1) != len(c2) {
		t.Fatalf("chunk count changed across calls: %d vs %d", len(c1), len(c2))
	}
	for i := range c1 {
		if string(c1[i]) != string(c2[i]) {
			t.Errorf("chunk %d differs across calls", i)
		}
	}
}

func mustWriteTree(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b", "c.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
}
