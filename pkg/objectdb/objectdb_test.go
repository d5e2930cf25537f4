package objectdb

import "testing"

func TestRegisterGetRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Register("sha256:abc", 1024, "commit-1"); err != nil {
		t.Fatal(err)
	}
	meta, err := db.Get("sha256:abc")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("expected metadata, got nil")
	}
	if meta.Size != 1024 {
		t.Errorf("size = %d, want 1024", meta.Size)
	}
	if _, ok := meta.CommitRefs["commit-1"]; !ok {
		t.Error("expected commit-1 in refs")
	}
}

func TestUnregisterRemovesEmptyRecord(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Register("sha256:def", 512, "commit-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Register("sha256:def", 512, "commit-2"); err != nil {
		t.Fatal(err)
	}

	if err := db.Unregister("sha256:def", "commit-1"); err != nil {
		t.Fatal(err)
	}
	meta, err := db.Get("sha256:def")
	if err != nil {
		t.Fatal(err)
	}
	if meta == nil {
		t.Fatal("expected record to survive with one remaining ref")
	}

	if err := db.Unregister("sha256:def", "commit-2"); err != nil {
		t.Fatal(err)
	}
	meta, err = db.Get("sha256:def")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Error("expected record to be removed once refcount reaches zero")
	}
}

func TestRemoveForceDelete(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Register("sha256:ghi", 1, "commit-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Remove("sha256:ghi"); err != nil {
		t.Fatal(err)
	}
	meta, err := db.Get("sha256:ghi")
	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Error("expected record to be force-removed")
	}
}
