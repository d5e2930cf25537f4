// Package store implements the Stratum content-addressed commit store: path
// layout, the commit builder, the union-patch engine, tag/worktree
// lifecycle, and reference resolution, tying together pkg/merkle,
// pkg/objectdb, internal/erofs, internal/mount, and internal/state.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/log"

	"github.com/fyralabs/stratum/internal/state"
	"github.com/fyralabs/stratum/pkg/objectdb"
)

const (
	objectsDirName   = "objects"
	commitsDirName   = "commits"
	refsDirName      = "refs"
	tagsDirName      = "tags"
	worktreesDirName = "worktrees"
	tempDirName      = "temp"
	upperdirName     = "upperdir"
	workdirName      = "workdir"
	worktreeMetaFile = "meta.toml"
	commitMetaFile   = "metadata.toml"
	commitImageFile  = "commit.cfs"
)

// Option configures a Store at construction time.
type Option func(*options)

type options struct {
	stateDir string
}

// WithStateDir overrides the tmpfs-resident mount registry location (default
// /run/stratum), primarily for tests that cannot write to /run.
func WithStateDir(dir string) Option {
	return func(o *options) { o.stateDir = dir }
}

// Store owns one Stratum store rooted at BasePath: objects, commits, refs
// (tags + worktrees), and the mount/objectdb registries backing them.
type Store struct {
	BasePath string

	objects *objectdb.DB
	mounts  *state.Manager
}

// New opens (creating if absent) a Store rooted at basePath.
func New(basePath string, opts ...Option) (*Store, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir %s: %w", basePath, err)
	}
	if parent := filepath.Dir(basePath); parent != "" {
		if err := fsyncWalk(parent); err != nil {
			log.L.WithError(err).WithField("dir", parent).Warn("store: fsync base parent directory failed")
		}
	}

	db, err := objectdb.Open(basePath)
	if err != nil {
		return nil, fmt.Errorf("store: open object database: %w", err)
	}
	mgr, err := state.Open(o.stateDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: open state manager: %w", err)
	}

	return &Store{BasePath: basePath, objects: db, mounts: mgr}, nil
}

// Close releases the store's object database handle. The mount registry is
// a plain file and needs no handle to release.
func (s *Store) Close() error {
	return s.objects.Close()
}

func (s *Store) objectsPath() string {
	p := filepath.Join(s.BasePath, objectsDirName)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) commitsPath() string {
	p := filepath.Join(s.BasePath, commitsDirName)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) commitPath(commitID string) string {
	return filepath.Join(s.commitsPath(), commitID)
}

func (s *Store) commitImagePath(commitID string) string {
	return filepath.Join(s.commitPath(commitID), commitImageFile)
}

func (s *Store) commitMetaPath(commitID string) string {
	return filepath.Join(s.commitPath(commitID), commitMetaFile)
}

func (s *Store) refPath(label string) string {
	p := filepath.Join(s.BasePath, refsDirName, label)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) tagsPath(label string) string {
	p := filepath.Join(s.refPath(label), tagsDirName)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) worktreesPath(label string) string {
	p := filepath.Join(s.refPath(label), worktreesDirName)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) worktreePath(label, name string) string {
	p := filepath.Join(s.worktreesPath(label), name)
	os.MkdirAll(p, 0o755)
	return p
}

func (s *Store) worktreeUpperdir(label, name string) string {
	return filepath.Join(s.worktreePath(label, name), upperdirName)
}

func (s *Store) worktreeWorkdir(label, name string) string {
	return filepath.Join(s.worktreePath(label, name), workdirName)
}

func (s *Store) worktreeMetaPath(label, name string) string {
	return filepath.Join(s.worktreePath(label, name), worktreeMetaFile)
}

func (s *Store) tempPath() string {
	p := filepath.Join(s.BasePath, tempDirName)
	os.MkdirAll(p, 0o755)
	return p
}

// commitExists reports whether a commit directory exists for commitID.
func (s *Store) commitExists(commitID string) bool {
	_, err := os.Stat(s.commitPath(commitID))
	return err == nil
}

// fsyncWalk fsyncs every regular file and directory under root, skipping
// symlinks/devices/sockets/FIFOs, matching §5's post-write durability rule.
// It walks the tree with os.ReadDir directly.
func fsyncWalk(root string) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() {
			return fsyncFile(root)
		}
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fsyncWalk(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return fsyncFile(root)
}

func fsyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// copyTree delegates to containerd/continuity/fs for a mode/owner/xattr
// preserving recursive copy, used when the union-patch engine must relocate
// patch_dir onto the same filesystem as its scratch directories.
func copyTree(src, dst string) error {
	return fs.CopyDir(dst, src)
}
