package store

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// IntegrityError reports that the object verifier found blobs referenced by
// a commit's EROFS image that are absent from the shared object directory.
// errdefs has no sentinel for this kind, so it is its own type.
type IntegrityError struct {
	CommitID string
	Missing  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("commit %s: %d object(s) missing from store", e.CommitID, len(e.Missing))
}

// CommitNotFoundError reports a reference to a commit id with no commit
// directory on disk.
type CommitNotFoundError struct {
	CommitID string
	Cause    error
}

func (e *CommitNotFoundError) Error() string {
	return fmt.Sprintf("commit %s does not exist", e.CommitID)
}

func (e *CommitNotFoundError) Unwrap() error {
	return errdefs.ErrNotFound
}

// TagNotFoundError reports resolution of a tag with no matching symlink.
type TagNotFoundError struct {
	Label, Tag string
}

func (e *TagNotFoundError) Error() string {
	return fmt.Sprintf("tag %s:%s does not exist", e.Label, e.Tag)
}

func (e *TagNotFoundError) Unwrap() error {
	return errdefs.ErrNotFound
}

// WorktreeNotFoundError reports an operation against an unknown worktree.
type WorktreeNotFoundError struct {
	Label, Name string
}

func (e *WorktreeNotFoundError) Error() string {
	return fmt.Sprintf("worktree %s:%s does not exist", e.Label, e.Name)
}

func (e *WorktreeNotFoundError) Unwrap() error {
	return errdefs.ErrNotFound
}

// WorktreeExistsError reports an attempt to create a worktree over an
// occupied name; unlike tags, worktree creation never silently overwrites.
type WorktreeExistsError struct {
	Label, Name string
}

func (e *WorktreeExistsError) Error() string {
	return fmt.Sprintf("worktree %s:%s already exists", e.Label, e.Name)
}

func (e *WorktreeExistsError) Unwrap() error {
	return errdefs.ErrAlreadyExists
}

// CommitBusyError reports a delete or remove refused because a live mount
// still pins the target.
type CommitBusyError struct {
	CommitID string
}

func (e *CommitBusyError) Error() string {
	return fmt.Sprintf("commit %s is still referenced by a live mount", e.CommitID)
}

func (e *CommitBusyError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// WorktreeBusyError reports a writable-mount request against a worktree
// that already has a live writable mount, or a remove request against a
// currently mounted worktree.
type WorktreeBusyError struct {
	Label, Name string
}

func (e *WorktreeBusyError) Error() string {
	return fmt.Sprintf("worktree %s:%s already has a live mount", e.Label, e.Name)
}

func (e *WorktreeBusyError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}

// InvalidRefError reports a malformed stratum reference string.
type InvalidRefError struct {
	Ref string
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid stratum reference: %q", e.Ref)
}

func (e *InvalidRefError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// MountNotTrackedError reports an unmount request against a path the state
// manager has no record of, the safety check named in §4.6.
type MountNotTrackedError struct {
	Path string
}

func (e *MountNotTrackedError) Error() string {
	return fmt.Sprintf("mountpoint %s is not managed by stratum", e.Path)
}

func (e *MountNotTrackedError) Unwrap() error {
	return errdefs.ErrFailedPrecondition
}
