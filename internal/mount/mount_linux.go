package mount

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// composefsMount builds and moves (or leaves fd-bound) one EROFS+overlayfs
// composition. When mountpoint is "" the resulting handle stays fd-bound
// (used by MountEphemeral).
func composefsMount(cfg Config, mountpoint string) (handle *Handle, err error) {
	erofsFd, err := unix.Fsopen("erofs", unix.FSOPEN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mount: fsopen(erofs): %w", err)
	}
	defer unix.Close(erofsFd)

	if err := unix.FsconfigSetString(erofsFd, "source", cfg.ImagePath); err != nil {
		return nil, fmt.Errorf("mount: fsconfig source=%s: %w", cfg.ImagePath, err)
	}
	if err := unix.FsconfigCreate(erofsFd); err != nil {
		return nil, fmt.Errorf("mount: fsconfig create(erofs) for %s: %w", cfg.ImagePath, err)
	}

	erofsMountFd, err := unix.Fsmount(erofsFd, unix.FSMOUNT_CLOEXEC, unix.MOUNT_ATTR_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("mount: fsmount(erofs) for %s: %w", cfg.ImagePath, err)
	}

	// Plain EROFS mount, no overlay: move directly into place (or leave
	// fd-bound for an ephemeral consumer).
	if cfg.ObjectsDir == "" && !cfg.Writable() {
		return bindOrHold(erofsMountFd, mountpoint)
	}

	overlayFd, err := unix.Fsopen("overlay", unix.FSOPEN_CLOEXEC)
	if err != nil {
		unix.Close(erofsMountFd)
		return nil, fmt.Errorf("mount: fsopen(overlay): %w", err)
	}
	defer unix.Close(overlayFd)

	var detour *Handle
	lowerFd := erofsMountFd
	if needsLegacyDetour() {
		detour, err = detourThroughTempdir(erofsMountFd)
		if err != nil {
			unix.Close(erofsMountFd)
			return nil, err
		}
		// From here on any early return must tear the detour back down;
		// bindOrHold succeeding at the very end attaches it to the handle
		// instead, which cancels this defer's effect.
		defer func() {
			if err != nil && detour != nil {
				detour.Close()
			}
		}()
	} else {
		defer unix.Close(erofsMountFd)
	}

	if err := setOverlayLowerdir(overlayFd, lowerFd, detour); err != nil {
		return nil, err
	}

	if cfg.ObjectsDir != "" {
		if err := setOverlayDatadir(overlayFd, cfg.ObjectsDir); err != nil {
			return nil, err
		}
	}

	if cfg.Writable() {
		if err := unix.FsconfigSetString(overlayFd, "upperdir", cfg.Upperdir); err != nil {
			return nil, fmt.Errorf("mount: fsconfig upperdir=%s: %w", cfg.Upperdir, err)
		}
		if err := unix.FsconfigSetString(overlayFd, "workdir", cfg.Workdir); err != nil {
			return nil, fmt.Errorf("mount: fsconfig workdir=%s: %w", cfg.Workdir, err)
		}
	}
	if cfg.RedirectDir {
		_ = unix.FsconfigSetString(overlayFd, "redirect_dir", "on")
	}
	if cfg.Metacopy {
		_ = unix.FsconfigSetString(overlayFd, "metacopy", "on")
	}
	_ = unix.FsconfigSetString(overlayFd, "source", cfg.sourceString())

	if err := unix.FsconfigCreate(overlayFd); err != nil {
		return nil, fmt.Errorf("mount: fsconfig create(overlay) for %s: %w", cfg.Name, err)
	}

	attr := uint(0)
	if !cfg.Writable() {
		attr = unix.MOUNT_ATTR_RDONLY
	}
	overlayMountFd, err := unix.Fsmount(overlayFd, unix.FSMOUNT_CLOEXEC, attr)
	if err != nil {
		return nil, fmt.Errorf("mount: fsmount(overlay) for %s: %w", cfg.Name, err)
	}

	h, err := bindOrHold(overlayMountFd, mountpoint)
	if err != nil {
		return nil, err
	}
	h.detour = detour
	return h, nil
}

// setOverlayLowerdir implements the three-tier fallback for attaching an
// EROFS mount fd as an overlay lowerdir: a direct fd-typed fsconfig option,
// then a reopened-O_RDONLY fd, then finally a /proc/self/fd/N string value
// for kernels too old to support the fd-typed option at all.
func setOverlayLowerdir(overlayFd, lowerFd int, detour *Handle) error {
	if detour != nil {
		// Already routed through a tempdir; use its bound path directly.
		return unix.FsconfigSetString(overlayFd, "lowerdir+", detour.Path())
	}

	if err := unix.FsconfigSetFd(overlayFd, "lowerdir+", lowerFd); err == nil {
		return nil
	}

	reopened, rerr := reopenRdonly(lowerFd)
	if rerr == nil {
		defer unix.Close(reopened)
		if err := unix.FsconfigSetFd(overlayFd, "lowerdir+", reopened); err == nil {
			return nil
		}
	}

	path := fmt.Sprintf("/proc/self/fd/%d", lowerFd)
	if err := unix.FsconfigSetString(overlayFd, "lowerdir+", path); err != nil {
		return fmt.Errorf("mount: set lowerdir (all fallbacks exhausted): %w", err)
	}
	return nil
}

// setOverlayDatadir attaches the objects directory as the datadir+ option:
// first as an fd-typed value, then as the plain directory path string. If
// both are rejected the option is skipped with a warning rather than
// failing the mount: datadir is an optimization (avoids re-reading
// redirected content through EROFS), never a correctness requirement.
func setOverlayDatadir(overlayFd int, objectsDir string) error {
	f, err := os.Open(objectsDir)
	if err != nil {
		return fmt.Errorf("mount: open objects dir %s: %w", objectsDir, err)
	}
	defer f.Close()

	if err := unix.FsconfigSetFd(overlayFd, "datadir+", int(f.Fd())); err == nil {
		return nil
	}
	if err := unix.FsconfigSetString(overlayFd, "datadir+", objectsDir); err != nil {
		log.L.WithError(err).WithField("objectsDir", objectsDir).Warn("mount: datadir+ unsupported, continuing without it")
	}
	return nil
}

// reopenRdonly reopens an already-open fd via /proc/self/fd, used when the
// kernel accepts fd-typed fsconfig values but the original fd's open mode
// is incompatible with how overlayfs wants to use it.
func reopenRdonly(fd int) (int, error) {
	path := fmt.Sprintf("/proc/self/fd/%d", fd)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("mount: reopen fd %d read-only: %w", fd, err)
	}
	return int(f.Fd()), nil
}

// detourThroughTempdir implements the pre-6.15 compatibility path: move the
// EROFS mount fd onto a private tempdir so it has a stable path, then hand
// back a handle bound to that path (its fd is no longer needed directly).
// Required because older kernels reject an un-path-bound mount fd as an
// overlay lowerdir fd-typed option outright.
func detourThroughTempdir(mountFd int) (*Handle, error) {
	dir, err := os.MkdirTemp("", "stratum-detour-")
	if err != nil {
		return nil, fmt.Errorf("mount: create detour tempdir: %w", err)
	}
	if err := unix.MoveMount(mountFd, "", unix.AT_FDCWD, dir, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		os.Remove(dir)
		return nil, fmt.Errorf("mount: move_mount detour onto %s: %w", dir, err)
	}
	unix.Close(mountFd)
	return &Handle{path: dir, fd: -1}, nil
}

// bindOrHold moves mountFd to mountpoint if given, else returns a handle
// still bound to the open fd (suitable only as an overlay lowerdir input).
func bindOrHold(mountFd int, mountpoint string) (*Handle, error) {
	if mountpoint == "" {
		return &Handle{fd: mountFd}, nil
	}
	if err := unix.MoveMount(mountFd, "", unix.AT_FDCWD, mountpoint, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		unix.Close(mountFd)
		return nil, fmt.Errorf("mount: move_mount onto %s: %w", mountpoint, err)
	}
	unix.Close(mountFd)
	return &Handle{path: mountpoint, fd: -1}, nil
}

func unmountPath(path string) error {
	if err := unix.Unmount(path, 0); err != nil {
		return fmt.Errorf("mount: unmount %s: %w", path, err)
	}
	return nil
}

func forceUnmountPath(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("mount: lazy unmount %s: %w", path, err)
	}
	return nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}

// fsyncDir fsyncs a directory's fd, used by MountAt on a worktree's
// upperdir/workdir right after creating them (matches the teacher's
// post-write fsync idiom for upperdir contents).
func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mount: open dir %s for fsync: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("mount: fsync dir %s: %w", path, err)
	}
	return nil
}
