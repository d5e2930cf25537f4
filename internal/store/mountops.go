package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/fyralabs/stratum/internal/mount"
	"github.com/fyralabs/stratum/internal/state"
)

// MountRef mounts ref at mountpoint, read-only unless worktree names a
// worktree to mount writably. On success a mount record is inserted into
// the state manager keyed by the canonicalized mount path; mounting over an
// already-recorded path is idempotent (§5).
func (s *Store) MountRef(ref Ref, mountpoint string, worktree string) error {
	commitID, err := s.resolveCommitID(ref)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("store: create mountpoint %s: %w", mountpoint, err)
	}
	canonical, err := filepath.Abs(mountpoint)
	if err != nil {
		return fmt.Errorf("store: resolve mountpoint %s: %w", mountpoint, err)
	}

	alreadyMounted, err := mount.IsMounted(canonical)
	if err != nil {
		return fmt.Errorf("store: check mount state for %s: %w", canonical, err)
	}
	if alreadyMounted {
		tracked, err := s.mounts.Get(canonical)
		if err != nil {
			return fmt.Errorf("store: check mount registry for %s: %w", canonical, err)
		}
		if tracked != nil {
			log.L.WithField("mountpoint", canonical).Info("store: already mounted, no-op")
			return nil
		}
		// Mounted but not in our registry: a stale mount left behind by a
		// crashed process or an external actor. Force it out of the way
		// rather than failing the new mount request (§4.6).
		log.L.WithField("mountpoint", canonical).Warn("store: stale untracked mount found, force-unmounting")
		if err := mount.ForceUnmount(canonical); err != nil {
			return fmt.Errorf("store: force-unmount stale mount at %s: %w", canonical, err)
		}
	}

	if !s.commitExists(commitID) {
		return &CommitNotFoundError{CommitID: commitID}
	}

	cfg := mount.Config{
		ImagePath:  s.commitImagePath(commitID),
		ObjectsDir: s.objectsPath(),
	}

	var rec state.Ref
	if worktree != "" {
		if !s.WorktreeExists(ref.Label, worktree) {
			return &WorktreeNotFoundError{Label: ref.Label, Name: worktree}
		}
		mounted, err := s.mounts.IsWorktreeMounted(ref.Label, worktree)
		if err != nil {
			return fmt.Errorf("store: check worktree mount state: %w", err)
		}
		if mounted {
			return &WorktreeBusyError{Label: ref.Label, Name: worktree}
		}
		cfg.Name = fmt.Sprintf("%s+%s", ref.Label, worktree)
		cfg.SourceName = "stratum:" + cfg.Name
		cfg.Upperdir = s.worktreeUpperdir(ref.Label, worktree)
		cfg.Workdir = s.worktreeWorkdir(ref.Label, worktree)
		rec = state.Ref{Kind: state.RefWorktree, Value: state.WorktreeKey(ref.Label, worktree)}
	} else {
		cfg.Name = ref.String()
		cfg.SourceName = "stratum:" + ref.String()
		kind := state.RefTag
		if ref.Kind == RefCommit {
			kind = state.RefCommit
		}
		rec = state.Ref{Kind: kind, Value: ref.String()}
	}

	handle, err := mount.MountAt(cfg, canonical)
	if err != nil {
		return fmt.Errorf("store: mount %s at %s: %w", ref, canonical, err)
	}
	handle.Persist()

	if _, err := s.mounts.Add(rec, canonical, worktree == "", commitID); err != nil {
		return fmt.Errorf("store: record mount at %s: %w", canonical, err)
	}
	log.L.WithField("ref", ref).WithField("mountpoint", canonical).Info("store: mounted")
	return nil
}

// UnmountRef tears down a persistent mount at mountpoint, refusing any path
// the state manager has no record of.
func (s *Store) UnmountRef(mountpoint string) error {
	canonical, err := filepath.Abs(mountpoint)
	if err != nil {
		return fmt.Errorf("store: resolve mountpoint %s: %w", mountpoint, err)
	}

	tracked, err := s.mounts.Get(canonical)
	if err != nil {
		return fmt.Errorf("store: check mount registry for %s: %w", canonical, err)
	}
	if tracked == nil {
		return &MountNotTrackedError{Path: canonical}
	}

	mounted, err := mount.IsMounted(canonical)
	if err != nil {
		return fmt.Errorf("store: check mount state for %s: %w", canonical, err)
	}
	if !mounted {
		log.L.WithField("mountpoint", canonical).Info("store: not mounted, no-op")
		return nil
	}

	if err := mount.Unmount(canonical); err != nil {
		return fmt.Errorf("store: unmount %s: %w", canonical, err)
	}
	if err := s.mounts.Remove(canonical); err != nil {
		return fmt.Errorf("store: remove mount record for %s: %w", canonical, err)
	}
	log.L.WithField("mountpoint", canonical).Info("store: unmounted")
	return nil
}

// MountRefEphemeral mounts a read-only snapshot of ref without registering
// it in the state manager; the returned handle owns the mount and unmounts
// it on Close. Worktree refs are rejected, matching the original's
// ephemeral-mounts-don't-support-worktrees rule.
func (s *Store) MountRefEphemeral(ref Ref) (*mount.Handle, error) {
	if ref.Kind == RefWorktree {
		return nil, fmt.Errorf("store: ephemeral mounts do not support worktrees")
	}
	commitID, err := s.resolveCommitID(ref)
	if err != nil {
		return nil, err
	}
	if !s.commitExists(commitID) {
		return nil, &CommitNotFoundError{CommitID: commitID}
	}
	handle, err := mount.MountEphemeral(mount.Config{
		ImagePath:  s.commitImagePath(commitID),
		Name:       ref.String(),
		SourceName: "stratum:" + ref.String(),
		ObjectsDir: s.objectsPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("store: ephemeral mount %s: %w", ref, err)
	}
	return handle, nil
}
