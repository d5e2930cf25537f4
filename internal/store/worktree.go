package store

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/containerd/log"
)

// Worktree is the `[worktree]` section of a worktree's meta.toml, mirroring
// the original implementation's WorktreeInfo.
type Worktree struct {
	Name          string     `toml:"name"`
	BaseCommit    string     `toml:"base_commit"`
	Created       time.Time  `toml:"created"`
	LastModified  time.Time  `toml:"last_modified"`
	LastCommitted *time.Time `toml:"last_committed,omitempty"`
	Description   string     `toml:"description,omitempty"`
}

type worktreeFile struct {
	Worktree Worktree `toml:"worktree"`
}

// WorktreeExists reports whether label:name has a metadata file.
func (s *Store) WorktreeExists(label, name string) bool {
	_, err := os.Stat(s.worktreeMetaPath(label, name))
	return err == nil
}

// CreateWorktree creates a new mutable workspace pinned to baseCommit.
// Worktree creation never overwrites: an existing worktree of the same name
// is an error, unlike tags.
func (s *Store) CreateWorktree(label, name, baseCommit, description string) error {
	if !s.commitExists(baseCommit) {
		return &CommitNotFoundError{CommitID: baseCommit}
	}
	if s.WorktreeExists(label, name) {
		return &WorktreeExistsError{Label: label, Name: name}
	}

	upperdir := s.worktreeUpperdir(label, name)
	workdir := s.worktreeWorkdir(label, name)
	if err := os.MkdirAll(upperdir, 0o755); err != nil {
		return fmt.Errorf("store: create upperdir %s: %w", upperdir, err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return fmt.Errorf("store: create workdir %s: %w", workdir, err)
	}

	now := time.Now().UTC()
	wt := Worktree{
		Name:         name,
		BaseCommit:   baseCommit,
		Created:      now,
		LastModified: now,
		Description:  description,
	}
	if err := s.saveWorktreeMetadata(label, &wt); err != nil {
		return err
	}
	if err := fsyncWalk(s.worktreePath(label, name)); err != nil {
		log.L.WithError(err).WithField("worktree", name).Warn("store: fsync worktree directory failed")
	}
	log.L.WithField("label", label).WithField("worktree", name).WithField("base", baseCommit).
		Info("store: created worktree")
	return nil
}

func (s *Store) saveWorktreeMetadata(label string, wt *Worktree) error {
	f, err := os.OpenFile(s.worktreeMetaPath(label, wt.Name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create meta.toml for %s:%s: %w", label, wt.Name, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(worktreeFile{Worktree: *wt}); err != nil {
		return fmt.Errorf("store: encode meta.toml for %s:%s: %w", label, wt.Name, err)
	}
	return nil
}

// LoadWorktree reads label:name's meta.toml.
func (s *Store) LoadWorktree(label, name string) (*Worktree, error) {
	if !s.WorktreeExists(label, name) {
		return nil, &WorktreeNotFoundError{Label: label, Name: name}
	}
	var f worktreeFile
	if _, err := toml.DecodeFile(s.worktreeMetaPath(label, name), &f); err != nil {
		return nil, fmt.Errorf("store: decode meta.toml for %s:%s: %w", label, name, err)
	}
	return &f.Worktree, nil
}

// ListWorktrees lists every worktree registered under label.
func (s *Store) ListWorktrees(label string) ([]*Worktree, error) {
	entries, err := os.ReadDir(s.worktreesPath(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list worktrees for %s: %w", label, err)
	}
	var out []*Worktree
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		wt, err := s.LoadWorktree(label, e.Name())
		if err != nil {
			continue
		}
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveWorktree deletes a worktree's directory. Forbidden while it has a
// live mount, per §3's worktree lifecycle rule.
func (s *Store) RemoveWorktree(label, name string) error {
	if !s.WorktreeExists(label, name) {
		return &WorktreeNotFoundError{Label: label, Name: name}
	}
	mounted, err := s.mounts.IsWorktreeMounted(label, name)
	if err != nil {
		return fmt.Errorf("store: check worktree mount state: %w", err)
	}
	if mounted {
		return &WorktreeBusyError{Label: label, Name: name}
	}
	if err := os.RemoveAll(s.worktreePath(label, name)); err != nil {
		return fmt.Errorf("store: remove worktree %s:%s: %w", label, name, err)
	}
	return nil
}

// HasUncommittedChanges reports whether the worktree's upperdir has any
// accumulated writes, surfaced from the original implementation's
// Worktree::has_uncommitted_changes (a feature spec.md's distillation
// dropped but the original source and scenario 3 exercise).
func (s *Store) HasUncommittedChanges(label, name string) (bool, error) {
	upperdir := s.worktreeUpperdir(label, name)
	entries, err := os.ReadDir(upperdir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read upperdir %s: %w", upperdir, err)
	}
	return len(entries) > 0, nil
}

// MarkWorktreeCommitted stamps LastCommitted and LastModified to now.
func (s *Store) MarkWorktreeCommitted(label, name string) error {
	wt, err := s.LoadWorktree(label, name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	wt.LastCommitted = &now
	wt.LastModified = now
	return s.saveWorktreeMetadata(label, wt)
}

// RebaseWorktree repoints label:name at a new base commit, resolved from
// newBase per the usual Ref dispatch (worktree-as-target rebases onto that
// worktree's own base, matching the original's warn-and-substitute
// behavior). If the worktree is currently mounted, it is unmounted before
// the rebase and remounted at the same path afterward.
func (s *Store) RebaseWorktree(label, name string, newBase Ref) error {
	current, err := s.LoadWorktree(label, name)
	if err != nil {
		return err
	}

	var resolvedBase string
	switch newBase.Kind {
	case RefCommit:
		resolvedBase = newBase.CommitID
	case RefTag:
		resolvedBase, err = s.ResolveTag(newBase.Label, newBase.Tag)
		if err != nil {
			return err
		}
	case RefWorktree:
		log.L.Warn("store: rebase target is a worktree, using its base commit instead")
		other, err := s.LoadWorktree(newBase.Label, newBase.Worktree)
		if err != nil {
			return err
		}
		if newBase.Label == label && newBase.Worktree == name {
			return fmt.Errorf("store: cannot rebase worktree %s:%s onto itself", label, name)
		}
		resolvedBase = other.BaseCommit
	}

	mount, err := s.mounts.FindByWorktree(label, name)
	if err != nil {
		return fmt.Errorf("store: check worktree mount state: %w", err)
	}
	var remountAt string
	if mount != nil {
		remountAt = mount.MountPoint
		if err := s.UnmountRef(remountAt); err != nil {
			return fmt.Errorf("store: unmount worktree before rebase: %w", err)
		}
	}

	if !s.commitExists(resolvedBase) {
		return &CommitNotFoundError{CommitID: resolvedBase}
	}
	current.BaseCommit = resolvedBase
	current.LastModified = time.Now().UTC()
	if err := s.saveWorktreeMetadata(label, current); err != nil {
		return err
	}
	log.L.WithField("label", label).WithField("worktree", name).WithField("base", resolvedBase).
		Info("store: rebased worktree")

	if remountAt != "" {
		ref := Ref{Kind: RefWorktree, Label: label, Worktree: name}
		if err := s.MountRef(ref, remountAt, name); err != nil {
			return fmt.Errorf("store: remount worktree after rebase: %w", err)
		}
	}
	return nil
}
