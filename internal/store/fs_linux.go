package store

import (
	"os"
	"syscall"
)

// sameFilesystem reports whether a and b live on the same mounted
// filesystem (same st_dev), used by the union-patch engine to decide
// whether patch_dir can be used as the overlay upperdir directly or must be
// copied onto scratch space sharing a filesystem with the mountpoint.
func sameFilesystem(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	as, ok1 := ai.Sys().(*syscall.Stat_t)
	bs, ok2 := bi.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, nil
	}
	return as.Dev == bs.Dev, nil
}
