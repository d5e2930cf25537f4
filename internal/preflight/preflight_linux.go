// Package preflight checks that the host kernel can support the mount
// engine's new-mount API and EROFS filesystem before Stratum attempts to use
// them, and decides whether the pre-6.15 fd-as-lowerdir compatibility detour
// (see internal/mount) is required.
package preflight

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MinKernelVersion is the version at which the kernel accepts an unmounted
// EROFS fsmount fd directly as an overlayfs lowerdir+. Below this, the mount
// engine must route through a temporary-mountpoint detour.
const MinKernelVersion = "6.15.0"

// KernelVersion returns the running kernel's release string (e.g.
// "6.16.0-generic").
func KernelVersion() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("preflight: uname: %w", err)
	}
	n := bytes.IndexByte(uts.Release[:], 0)
	if n < 0 {
		n = len(uts.Release)
	}
	release := string(uts.Release[:n])
	if release == "" {
		return "", fmt.Errorf("preflight: empty kernel release")
	}
	return release, nil
}

// CompareVersions compares two dotted version strings (ignoring any
// "-suffix" such as "-rc1" or "-generic") by their first three numeric
// components. Returns -1, 0, or 1.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseVersion(v1)
	if err != nil {
		return 0, err
	}
	b, err := parseVersion(v2)
	if err != nil {
		return 0, err
	}
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	if v == "" {
		return out, fmt.Errorf("preflight: empty version string")
	}
	base := v
	if i := strings.IndexByte(base, '-'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, ".")
	if len(parts) < 2 {
		return out, fmt.Errorf("preflight: malformed version %q", v)
	}
	for i := 0; i < 3; i++ {
		if i >= len(parts) {
			break
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return out, fmt.Errorf("preflight: malformed version component %q in %q: %w", parts[i], v, err)
		}
		out[i] = n
	}
	return out, nil
}

// CheckKernelVersion returns an error if the running kernel is older than
// required.
func CheckKernelVersion(required string) error {
	current, err := KernelVersion()
	if err != nil {
		return err
	}
	cmp, err := CompareVersions(current, required)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return fmt.Errorf("preflight: kernel %s is older than required %s", current, required)
	}
	return nil
}

// CheckErofsSupport returns an error if the EROFS filesystem is not
// registered with the running kernel (i.e. `modprobe erofs` is needed).
func CheckErofsSupport() error {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return fmt.Errorf("preflight: read /proc/filesystems: %w", err)
	}
	if !bytes.Contains(data, []byte("\terofs\n")) {
		return fmt.Errorf("preflight: erofs filesystem not registered, run `modprobe erofs`")
	}
	return nil
}

// NeedsLegacyDetour reports whether the mount engine should route EROFS
// lower mounts through the pre-6.15 tempdir detour (see internal/mount).
func NeedsLegacyDetour() bool {
	return CheckKernelVersion(MinKernelVersion) != nil
}

// Check runs every preflight check required before the store can mount
// anything.
func Check() error {
	if err := CheckErofsSupport(); err != nil {
		return err
	}
	if _, err := KernelVersion(); err != nil {
		return err
	}
	return nil
}
