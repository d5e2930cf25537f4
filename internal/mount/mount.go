// Package mount implements the mount engine: EROFS (lower) + overlayfs
// (optional upper/work) composition via the kernel's new-mount API
// (fsopen/fsconfig/fsmount/move_mount), with RAII-style handles, the
// fd-then-reopen-then-string overlay option fallback hierarchy, and the
// pre-6.15-kernel tempdir detour for EROFS lowerdir fds.
package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"

	"github.com/fyralabs/stratum/internal/preflight"
)

// Config describes one composefs (EROFS + optional overlayfs) mount.
type Config struct {
	// ImagePath is the path to the commit's EROFS image (commit.cfs).
	ImagePath string
	// Name identifies the mount for diagnostic/source-string purposes.
	Name string
	// SourceName overrides the string shown in /proc/mounts; defaults to
	// "stratum:<Name>".
	SourceName string
	// ObjectsDir, when set, is passed to overlayfs as datadir+ (fd), the
	// shared object store backing the EROFS image's redirect xattrs.
	ObjectsDir string
	// Upperdir, when set, makes the mount writable (a worktree); Workdir is
	// the overlayfs scratch directory that goes with it. Overlayfs requires
	// persistent string paths here, not /proc/self/fd.
	Upperdir, Workdir string
	// Metacopy and RedirectDir toggle the corresponding overlayfs options.
	Metacopy, RedirectDir bool
}

func (c Config) sourceString() string {
	if c.SourceName != "" {
		return c.SourceName
	}
	return "stratum:" + c.Name
}

// Writable reports whether this config configures a writable (worktree)
// mount.
func (c Config) Writable() bool {
	return c.Upperdir != ""
}

// Handle is a RAII-style handle on a live mount. Close unmounts (or closes
// the held fd, for a not-yet-bound mount). Persist detaches the handle from
// its cleanup obligation so the mount survives process exit, matching the
// teacher/original's "leak the handle to make it persistent" idiom.
type Handle struct {
	path      string
	fd        int
	persisted bool
	detour    *Handle // kept alive for the lifetime of the overlay it backs
}

// Path returns the mountpoint this handle is bound to, or "" if the handle
// is still fd-bound (not yet moved to a path).
func (h *Handle) Path() string { return h.path }

// Persist detaches the handle's cleanup obligation: Close becomes a no-op.
// Used for mounts that should outlive the calling process.
func (h *Handle) Persist() {
	h.persisted = true
}

// Close unmounts (if bound to a path) or closes the held fd, unless the
// handle has been persisted. Any detour mount kept alive for this handle is
// released afterward.
func (h *Handle) Close() error {
	if h.persisted {
		return nil
	}
	var err error
	if h.path != "" {
		err = unmountPath(h.path)
	} else if h.fd >= 0 {
		err = closeFd(h.fd)
		h.fd = -1
	}
	if h.detour != nil {
		if derr := h.detour.Close(); derr != nil && err == nil {
			err = derr
		}
		h.detour = nil
	}
	return err
}

// MountAt mounts cfg persistently at mountpoint. The returned handle's
// Close unmounts it; callers that want the mount to survive the calling
// process should call Persist() on success.
func MountAt(cfg Config, mountpoint string) (*Handle, error) {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("mount: create mountpoint %s: %w", mountpoint, err)
	}
	if cfg.Writable() {
		if err := os.MkdirAll(cfg.Upperdir, 0o755); err != nil {
			return nil, fmt.Errorf("mount: create upperdir %s: %w", cfg.Upperdir, err)
		}
		if err := fsyncDir(cfg.Upperdir); err != nil {
			log.L.WithError(err).WithField("upperdir", cfg.Upperdir).Warn("mount: fsync upperdir failed")
		}
		if cfg.Workdir != "" {
			if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
				return nil, fmt.Errorf("mount: create workdir %s: %w", cfg.Workdir, err)
			}
			if err := fsyncDir(cfg.Workdir); err != nil {
				log.L.WithError(err).WithField("workdir", cfg.Workdir).Warn("mount: fsync workdir failed")
			}
		}
	}
	return composefsMount(cfg, mountpoint)
}

// MountEphemeral mounts cfg without binding it to a caller-visible path; the
// returned handle owns the mount and unmounts it on Close. Used by
// store.MountRefEphemeral for read-only snapshot mounts.
func MountEphemeral(cfg Config) (*Handle, error) {
	return composefsMount(cfg, "")
}

// IsMounted reports whether path is currently a mountpoint, using the mount
// table rather than a marker file.
func IsMounted(path string) (bool, error) {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		return false, fmt.Errorf("mount: check mounted %s: %w", path, err)
	}
	return mounted, nil
}

// Unmount tears down a persistent mount at path via umount2 without force.
// It has no lazy-unmount fallback: a refused unmount is returned as an
// error. ForceUnmount is the separate lazy (MNT_DETACH) path.
func Unmount(path string) error {
	log.L.WithField("path", path).Debug("mount: unmounting")
	return unmountPath(path)
}

// ForceUnmount lazily detaches path, used as the documented fallback when a
// stale mount blocks a new mount request on the same target.
func ForceUnmount(path string) error {
	log.L.WithField("path", path).Warn("mount: force (lazy) unmounting stale mount")
	return forceUnmountPath(path)
}

// scratchDir allocates a same-filesystem scratch directory next to base,
// named with a random uuid to avoid collisions across callers in the same
// process lifetime (the core is single-process, but a caller may create
// many of these in sequence).
func scratchDir(base, prefix string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mount: create scratch dir %s: %w", dir, err)
	}
	return dir, nil
}

// needsLegacyDetour reports whether the EROFS lower fd must be routed
// through a private tempdir before use as an overlay lowerdir, per the
// pre-6.15-kernel compatibility note.
func needsLegacyDetour() bool {
	return preflight.NeedsLegacyDetour()
}
