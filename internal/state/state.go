// Package state tracks live mounts in a tmpfs-resident registry
// (/run/stratum/state) so a crashed or restarted process, and concurrent
// invocations of the CLI, can discover what is currently mounted where.
// It mirrors the original implementation's in-memory MountedStratum
// bookkeeping, persisted to survive across separate process invocations
// while still being wiped on reboot (tmpfs).
package state

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

// RefKind distinguishes what a mount's source reference names.
type RefKind int

const (
	RefCommit RefKind = iota
	RefTag
	RefWorktree
)

// Ref identifies what is mounted: a bare commit id, a "label:tag" tag, or a
// worktree, mirroring the original's StratumRef/StratumMountRef split.
type Ref struct {
	Kind RefKind
	// Value is the commit id, "label:tag" string, or worktree key
	// ("label+name", see WorktreeKey), depending on Kind.
	Value string
}

func (r Ref) String() string {
	switch r.Kind {
	case RefTag:
		return "tag:" + r.Value
	case RefWorktree:
		return "worktree:" + r.Value
	default:
		return r.Value
	}
}

// Mount records one live mount's registry entry. The registry is keyed by
// MountPoint (the canonical path), matching the on-disk `map<PathBuf,
// MountRecord>` contract; ID is kept only as a stable per-entry identifier
// for logging and tests, not as the storage key.
type Mount struct {
	ID         string
	Ref        Ref
	MountPoint string
	ReadOnly   bool
	CommitID   string // resolved commit id backing this mount, for refcounting
}

// Manager is a process-wide handle on the on-disk mount registry. All
// methods are safe for concurrent use; writes are serialized with an
// in-process mutex and made durable with a write-temp-then-rename to the
// registry file so a crash mid-write never corrupts it.
type Manager struct {
	path string
	mu   sync.Mutex
}

// defaultStateDir is where Stratum expects its tmpfs-resident runtime state
// to live; callers running as non-root in tests should override it.
const defaultStateDir = "/run/stratum"

// Open returns a Manager backed by <stateDir>/state, creating stateDir (and
// an empty registry file) if absent. Pass "" for stateDir to use
// /run/stratum.
func Open(stateDir string) (*Manager, error) {
	if stateDir == "" {
		stateDir = defaultStateDir
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create state dir %s: %w", stateDir, err)
	}
	m := &Manager{path: filepath.Join(stateDir, "state")}
	if _, err := os.Stat(m.path); os.IsNotExist(err) {
		if err := m.writeAll(map[string]*Mount{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("state: stat %s: %w", m.path, err)
	}
	return m, nil
}

func (m *Manager) readAll() (map[string]*Mount, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Mount{}, nil
		}
		return nil, fmt.Errorf("state: open %s: %w", m.path, err)
	}
	defer f.Close()

	var mounts map[string]*Mount
	if err := gob.NewDecoder(f).Decode(&mounts); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", m.path, err)
	}
	return mounts, nil
}

// writeAll atomically replaces the registry file's contents via
// write-to-temp-then-rename, so readers never observe a half-written file.
func (m *Manager) writeAll(mounts map[string]*Mount) error {
	dir := filepath.Dir(m.path)
	tmp := filepath.Join(dir, fmt.Sprintf(".state-%s.tmp", uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("state: create temp %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(mounts); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: sync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename %s -> %s: %w", tmp, m.path, err)
	}
	return nil
}

// WorktreeKey builds the Ref.Value used for a worktree mount record,
// namespaced by label per §4.3's "label+worktree" syntax so that two
// different labels may each have a worktree of the same name without
// colliding in the registry.
func WorktreeKey(label, name string) string {
	return label + "+" + name
}

// Add registers a new mount, keyed by its canonical mountPoint (the §4.7/§6
// on-disk contract is a map from canonical path to mount record), and
// returns a generated id for logging/identification purposes. Adding over
// an already-registered mountPoint replaces that entry.
func (m *Manager) Add(ref Ref, mountPoint string, readOnly bool, commitID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mounts, err := m.readAll()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	mounts[mountPoint] = &Mount{ID: id, Ref: ref, MountPoint: mountPoint, ReadOnly: readOnly, CommitID: commitID}
	if err := m.writeAll(mounts); err != nil {
		return "", err
	}
	log.L.WithField("ref", ref).WithField("mountpoint", mountPoint).Debug("state: registered mount")
	return id, nil
}

// Remove deletes the mount registry entry for mountPoint. It is not an
// error to remove a path that is not present, matching the idempotent
// -teardown idiom used elsewhere in unmount paths.
func (m *Manager) Remove(mountPoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mounts, err := m.readAll()
	if err != nil {
		return err
	}
	delete(mounts, mountPoint)
	return m.writeAll(mounts)
}

// Get returns the mount registry entry for mountPoint, or nil if untracked.
func (m *Manager) Get(mountPoint string) (*Mount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mounts, err := m.readAll()
	if err != nil {
		return nil, err
	}
	return mounts[mountPoint], nil
}

// All returns every currently registered mount.
func (m *Manager) All() ([]*Mount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mounts, err := m.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*Mount, 0, len(mounts))
	for _, mnt := range mounts {
		out = append(out, mnt)
	}
	return out, nil
}

// FindByWorktree returns the mount entry for the given (label, name)
// worktree, if any is currently registered. Matching is scoped to label so
// that two labels' same-named worktrees are never confused with each other
// (§3's "at most one writable mount per (label, worktree)" invariant).
func (m *Manager) FindByWorktree(label, name string) (*Mount, error) {
	mounts, err := m.All()
	if err != nil {
		return nil, err
	}
	key := WorktreeKey(label, name)
	for _, mnt := range mounts {
		if mnt.Ref.Kind == RefWorktree && mnt.Ref.Value == key {
			return mnt, nil
		}
	}
	return nil, nil
}

// IsWorktreeMounted reports whether the (label, name) worktree currently
// has a live mount registered.
func (m *Manager) IsWorktreeMounted(label, name string) (bool, error) {
	mnt, err := m.FindByWorktree(label, name)
	if err != nil {
		return false, err
	}
	return mnt != nil, nil
}

// CommitMountCount returns how many registered mounts currently reference
// commitID, used by the delete guard to refuse deleting a mounted commit.
func (m *Manager) CommitMountCount(commitID string) (int, error) {
	mounts, err := m.All()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mnt := range mounts {
		if mnt.CommitID == commitID {
			n++
		}
	}
	return n, nil
}
