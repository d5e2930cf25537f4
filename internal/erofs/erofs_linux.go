package erofs

import (
	"fmt"
	"os"
	"syscall"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sys/unix"
)

const (
	xattrOpaque   = "trusted.overlay.opaque"
	xattrWhiteout = "trusted.overlay.whiteout"
	xattrRedirect = "trusted.overlay.redirect"
)

// isWhiteoutDevice reports whether lst describes an overlayfs whiteout
// marker: a character device with major/minor 0/0.
func isWhiteoutDevice(lst os.FileInfo) bool {
	if lst.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	sys, ok := lst.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return unix.Major(uint64(sys.Rdev)) == 0 && unix.Minor(uint64(sys.Rdev)) == 0
}

// writeWhiteoutMarker materializes the kernel-overlayfs-compatible
// representation of a whiteout inside an EROFS image: a zero-length regular
// file carrying the whiteout xattr (EROFS cannot itself host a 0/0 char
// device the way a writable upperdir can).
func writeWhiteoutMarker(dst string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("erofs: create whiteout marker %s: %w", dst, err)
	}
	f.Close()
	if err := unix.Setxattr(dst, xattrWhiteout, []byte("y"), 0); err != nil {
		return fmt.Errorf("erofs: set whiteout xattr on %s: %w", dst, err)
	}
	return nil
}

// copyOpaqueXattr propagates the overlayfs opacity marker from a source
// directory to its staged counterpart, if present.
func copyOpaqueXattr(src, dst string) error {
	buf := make([]byte, 64)
	n, err := unix.Lgetxattr(src, xattrOpaque, buf)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return nil
		}
		return fmt.Errorf("erofs: read opaque xattr on %s: %w", src, err)
	}
	if err := unix.Setxattr(dst, xattrOpaque, buf[:n], 0); err != nil {
		return fmt.Errorf("erofs: set opaque xattr on %s: %w", dst, err)
	}
	return nil
}

// writeRedirectPlaceholder creates a small placeholder regular file carrying
// the redirect xattr that points overlayfs/EROFS consumers at the real
// content blob's sharded path under the shared object directory.
func writeRedirectPlaceholder(dst string, id digest.Digest) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("erofs: create placeholder %s: %w", dst, err)
	}
	f.Close()
	enc := id.Encoded()
	var rel string
	if len(enc) >= 3 {
		rel = enc[:2] + "/" + enc[2:]
	} else {
		rel = enc
	}
	if err := unix.Setxattr(dst, xattrRedirect, []byte(rel), 0); err != nil {
		return fmt.Errorf("erofs: set redirect xattr on %s: %w", dst, err)
	}
	return nil
}

// copySpecialFile recreates a non-whiteout device/FIFO/socket node in the
// staging tree via mknod, preserving its mode and device number but never
// reading or writing content.
func copySpecialFile(src, dst string, lst os.FileInfo) error {
	sys, ok := lst.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("erofs: cannot determine device number for %s", src)
	}
	if err := unix.Mknod(dst, uint32(lst.Mode().Perm())|modeToSyscallType(lst.Mode()), int(sys.Rdev)); err != nil {
		return fmt.Errorf("erofs: mknod %s: %w", dst, err)
	}
	return nil
}

func modeToSyscallType(mode os.FileMode) uint32 {
	switch {
	case mode&os.ModeNamedPipe != 0:
		return unix.S_IFIFO
	case mode&os.ModeSocket != 0:
		return unix.S_IFSOCK
	case mode&os.ModeCharDevice != 0:
		return unix.S_IFCHR
	case mode&os.ModeDevice != 0:
		return unix.S_IFBLK
	default:
		return 0
	}
}
