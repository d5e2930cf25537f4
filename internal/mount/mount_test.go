package mount

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigWritable(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"read-only", Config{ImagePath: "/x/commit.cfs"}, false},
		{"worktree", Config{ImagePath: "/x/commit.cfs", Upperdir: "/x/upper", Workdir: "/x/work"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.cfg.Writable(); got != c.want {
				t.Errorf("Writable() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestConfigSourceString(t *testing.T) {
	c := Config{Name: "abc123"}
	if got, want := c.sourceString(), "stratum:abc123"; got != want {
		t.Errorf("sourceString() = %q, want %q", got, want)
	}
	c.SourceName = "custom"
	if got, want := c.sourceString(), "custom"; got != want {
		t.Errorf("sourceString() override = %q, want %q", got, want)
	}
}

func TestHandlePersistSkipsClose(t *testing.T) {
	dir := t.TempDir()
	h := &Handle{path: filepath.Join(dir, "nonexistent-mount"), fd: -1}
	h.Persist()
	if err := h.Close(); err != nil {
		t.Fatalf("Close() on persisted handle should be a no-op, got %v", err)
	}
}

func TestScratchDirCreatesUniqueDirs(t *testing.T) {
	base := t.TempDir()
	d1, err := scratchDir(base, "worktree")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := scratchDir(base, "worktree")
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d2 {
		t.Fatalf("expected unique scratch dirs, got the same path twice: %s", d1)
	}
	for _, d := range []string{d1, d2} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Fatalf("scratch dir %s was not created as a directory: %v", d, err)
		}
	}
}

func TestIsMountedOnNonMountpoint(t *testing.T) {
	dir := t.TempDir()
	mounted, err := IsMounted(dir)
	if err != nil {
		t.Fatal(err)
	}
	if mounted {
		t.Errorf("plain tempdir reported as mounted")
	}
}

func TestForceUnmountOnNonMountpointErrors(t *testing.T) {
	dir := t.TempDir()
	if err := ForceUnmount(dir); err == nil {
		t.Fatal("expected ForceUnmount on a non-mountpoint to return an error")
	}
}
