package erofs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
)

func TestStageTreeDedupesIdenticalContent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	objects := t.TempDir()

	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "b.txt"), []byte("same content"), 0o644); err != nil {
		t.Fatal(err)
	}

	result := &BuildResult{}
	seen := make(map[string]bool)
	if err := stageTree(context.Background(), src, dst, objects, seen, result); err != nil {
		t.Fatal(err)
	}

	if len(result.Objects) != 1 {
		t.Fatalf("expected 1 unique object for duplicate content, got %d", len(result.Objects))
	}
	if result.FileCount != 2 {
		t.Errorf("expected file count 2, got %d", result.FileCount)
	}
}

func TestMissingObjects(t *testing.T) {
	objects := t.TempDir()

	data := []byte("hello")
	id := digest.FromBytes(data)
	path := ObjectPath(objects, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	missing, err := MissingObjects(objects, []string{id.String(), "sha256:" + "0000000000000000000000000000000000000000000000000000000000000000"[:64]})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected exactly 1 missing object, got %v", missing)
	}
}
