// Package erofs builds the commit.cfs EROFS image for a commit: it
// extracts unique file content into the shared, content-addressed object
// directory and assembles a staging tree of redirect/whiteout/opaque
// xattr-bearing placeholders that is then converted into an EROFS image by
// shelling out to mkfs.erofs, mirroring the way the teacher snapshotter
// converts a directory into an EROFS layer blob.
package erofs

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/containerd/log"
	digest "github.com/opencontainers/go-digest"
)

// ObjectRef describes one unique content blob discovered while building an
// image, ready for object refcount registration.
type ObjectRef struct {
	ID   string // digest.Digest string, e.g. "sha256:abcd..."
	Size uint64
}

// BuildResult is the outcome of building one commit's EROFS image.
type BuildResult struct {
	Objects   []ObjectRef
	TotalSize uint64
	FileCount uint64
}

// ObjectPath returns the sharded, composefs/fs-verity-style path for an
// object id under an objects root: "objects/<2-char-prefix>/<rest>".
func ObjectPath(objectsDir string, id digest.Digest) string {
	enc := id.Encoded()
	if len(enc) < 3 {
		return filepath.Join(objectsDir, enc)
	}
	return filepath.Join(objectsDir, enc[:2], enc[2:])
}

// BuildImage walks sourceDir, extracts every unique regular-file content
// blob into objectsDir (deduplicated by digest), assembles a staging tree of
// placeholders carrying the object-redirect/whiteout/opaque xattrs, and
// converts the staging tree into an EROFS image at imagePath via
// mkfs.erofs. It returns the set of objects referenced by the image.
func BuildImage(ctx context.Context, sourceDir, objectsDir, imagePath string) (*BuildResult, error) {
	stagingDir, err := os.MkdirTemp(filepath.Dir(imagePath), "erofs-staging-")
	if err != nil {
		return nil, fmt.Errorf("erofs: create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	result := &BuildResult{}
	seen := make(map[string]bool)

	if err := stageTree(ctx, sourceDir, stagingDir, objectsDir, seen, result); err != nil {
		return nil, err
	}

	if err := runMkfsErofs(ctx, imagePath, stagingDir); err != nil {
		return nil, err
	}

	return result, nil
}

// stageTree mirrors sourceDir into stagingDir, replacing regular-file
// content with object-redirect placeholders and extracting unique blobs
// into objectsDir.
func stageTree(ctx context.Context, srcDir, dstDir, objectsDir string, seen map[string]bool, result *BuildResult) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("erofs: read dir %s: %w", srcDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, ent := range entries {
		src := filepath.Join(srcDir, ent.Name())
		dst := filepath.Join(dstDir, ent.Name())

		lst, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("erofs: lstat %s: %w", src, err)
		}

		switch {
		case lst.IsDir():
			if err := os.Mkdir(dst, lst.Mode().Perm()); err != nil {
				return fmt.Errorf("erofs: mkdir %s: %w", dst, err)
			}
			if err := copyOpaqueXattr(src, dst); err != nil {
				return err
			}
			if err := stageTree(ctx, src, dst, objectsDir, seen, result); err != nil {
				return err
			}

		case lst.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("erofs: readlink %s: %w", src, err)
			}
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("erofs: symlink %s: %w", dst, err)
			}

		case isWhiteoutDevice(lst):
			if err := writeWhiteoutMarker(dst); err != nil {
				return err
			}

		case lst.Mode()&(os.ModeDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
			if err := copySpecialFile(src, dst, lst); err != nil {
				return err
			}

		case lst.Mode().IsRegular():
			size, id, err := extractObject(src, objectsDir)
			if err != nil {
				return err
			}
			if !seen[id.String()] {
				seen[id.String()] = true
				result.Objects = append(result.Objects, ObjectRef{ID: id.String(), Size: uint64(size)})
			}
			result.FileCount++
			result.TotalSize += uint64(size)
			if err := writeRedirectPlaceholder(dst, id); err != nil {
				return err
			}

		default:
			log.G(ctx).WithField("path", src).Warn("erofs: skipping unrecognized file type during staging")
		}
	}
	return nil
}

// extractObject hashes src's content and copies it into the
// content-addressed object directory if not already present, returning its
// size and digest.
func extractObject(src, objectsDir string) (int64, digest.Digest, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("erofs: open %s: %w", src, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("erofs: hash %s: %w", src, err)
	}
	id := digest.NewDigest(digest.SHA256, h)

	dst := ObjectPath(objectsDir, id)
	if _, err := os.Stat(dst); err == nil {
		return size, id, nil // already extracted, dedup hit
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", fmt.Errorf("erofs: mkdir object parent: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, "", fmt.Errorf("erofs: rewind %s: %w", src, err)
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o444)
	if err != nil {
		return 0, "", fmt.Errorf("erofs: create object %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, "", fmt.Errorf("erofs: write object %s: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, "", fmt.Errorf("erofs: sync object %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("erofs: close object %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, "", fmt.Errorf("erofs: rename object into place %s: %w", dst, err)
	}
	return size, id, nil
}

// runMkfsErofs shells to mkfs.erofs to convert a staged directory tree into
// an EROFS image, the same external-tool idiom the teacher uses to convert
// ext4 upperdirs into layer blobs.
func runMkfsErofs(ctx context.Context, imagePath, stagingDir string) error {
	if _, err := exec.LookPath("mkfs.erofs"); err != nil {
		return fmt.Errorf("erofs: mkfs.erofs not found in PATH: %w", err)
	}
	cmd := exec.CommandContext(ctx, "mkfs.erofs",
		"-zlz4hc",
		"--quiet",
		imagePath,
		stagingDir,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("erofs: mkfs.erofs failed: %w (output: %s)", err, out)
	}
	return nil
}
