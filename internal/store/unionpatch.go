package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/log"

	"github.com/fyralabs/stratum/internal/mount"
	"github.com/fyralabs/stratum/pkg/merkle"
)

// UnionPatchCommit materializes "base commit with patchDir overlaid on top"
// as a new commit per §4.5, deriving its identity from base id, patch
// directory digest, and combined Merkle data without re-reading the base
// commit's content.
func (s *Store) UnionPatchCommit(ctx context.Context, label, patchDir, baseCommit string, transient bool) (string, error) {
	if !s.commitExists(baseCommit) {
		return "", &CommitNotFoundError{CommitID: baseCommit}
	}

	upperdir, workdir, mountpoint, cleanup, err := s.prepareUnionScratch(patchDir)
	if err != nil {
		return "", err
	}
	defer cleanup()

	overlayHandle, err := mount.MountAt(mount.Config{
		ImagePath:  s.commitImagePath(baseCommit),
		Name:       label + "-unionpatch",
		ObjectsDir: s.objectsPath(),
		Upperdir:   upperdir,
		Workdir:    workdir,
	}, mountpoint)
	if err != nil {
		return "", fmt.Errorf("store: mount union overlay: %w", err)
	}
	defer overlayHandle.Close()

	combinedRoot, chunkCount, err := s.deriveCombinedMerkleData(baseCommit, patchDir)
	if err != nil {
		return "", err
	}

	derivedID, err := s.deriveCommitHash(baseCommit, patchDir, combinedRoot, chunkCount)
	if err != nil {
		return "", err
	}

	commitID, err := s.commitFromExistingData(ctx, label, mountpoint, derivedID, combinedRoot, chunkCount, baseCommit, transient)
	if err != nil {
		return "", err
	}

	log.G(ctx).WithField("base", baseCommit).WithField("commit", commitID).Info("store: created union-patch commit")
	return commitID, nil
}

// prepareUnionScratch allocates upperdir/workdir/mountpoint for a
// union-patch operation. When patchDir shares a filesystem with its parent
// directory's scratch space, patchDir is used directly as the upperdir
// (avoiding a copy); otherwise it is copied into a same-filesystem scratch
// location preserving mode/owner/times/xattrs, per §4.5 step 1.
func (s *Store) prepareUnionScratch(patchDir string) (upperdir, workdir, mountpoint string, cleanup func(), err error) {
	parent := filepath.Dir(patchDir)

	scratchRoot, err := os.MkdirTemp(parent, "stratum-unionpatch-")
	if err != nil {
		scratchRoot, err = os.MkdirTemp(s.tempPath(), "stratum-unionpatch-")
		if err != nil {
			return "", "", "", nil, fmt.Errorf("store: create union-patch scratch dir: %w", err)
		}
	}

	mountpoint = filepath.Join(scratchRoot, "mountpoint")
	workdir = filepath.Join(scratchRoot, "workdir")
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		os.RemoveAll(scratchRoot)
		return "", "", "", nil, fmt.Errorf("store: create union-patch mountpoint: %w", err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		os.RemoveAll(scratchRoot)
		return "", "", "", nil, fmt.Errorf("store: create union-patch workdir: %w", err)
	}

	same, sfErr := sameFilesystem(scratchRoot, patchDir)
	if sfErr == nil && same {
		upperdir = patchDir
	} else {
		upperdir = filepath.Join(scratchRoot, "upperdir")
		if err := copyTree(patchDir, upperdir); err != nil {
			os.RemoveAll(scratchRoot)
			return "", "", "", nil, fmt.Errorf("store: copy patch dir %s onto scratch: %w", patchDir, err)
		}
		if err := fsyncWalk(upperdir); err != nil {
			log.L.WithError(err).Warn("store: fsync copied upperdir failed")
		}
	}

	cleanup = func() { os.RemoveAll(scratchRoot) }
	return upperdir, workdir, mountpoint, cleanup, nil
}

// deriveCombinedMerkleData reproduces §4.5 step 4's merkle derivation:
// combine the base commit's existing merkle root with a hash of the patch
// directory's real file chunks, without reading the base's content again.
func (s *Store) deriveCombinedMerkleData(baseCommit, patchDir string) (merkle.Hash, int, error) {
	base, err := s.LoadCommit(baseCommit)
	if err != nil {
		return merkle.Hash{}, 0, err
	}
	baseMerkleRoot, err := base.MerkleRootBytes()
	if err != nil {
		return merkle.Hash{}, 0, err
	}

	patchChunks, err := merkle.Chunks(patchDir)
	if err != nil {
		return merkle.Hash{}, 0, fmt.Errorf("store: collect patch chunks for %s: %w", patchDir, err)
	}

	patchHasher := sha256.New()
	patchHasher.Write([]byte("PATCH_CHUNKS"))
	for _, chunk := range patchChunks {
		patchHasher.Write(chunk)
	}
	patchContribution := patchHasher.Sum(nil)

	combinedHasher := sha256.New()
	combinedHasher.Write([]byte("COMBINED_MERKLE_ROOT"))
	combinedHasher.Write(baseMerkleRoot[:])
	combinedHasher.Write(patchContribution)

	var combined merkle.Hash
	copy(combined[:], combinedHasher.Sum(nil))

	totalChunks := int(base.Files.Count) + len(patchChunks)
	return combined, totalChunks, nil
}

// deriveCommitHash reproduces the `DERIVED_COMMIT` domain-separated hash
// from §3's invariant and §4.5 step 4, combining base id, the patch
// directory's directory digest, the combined merkle root, and the total
// chunk count.
func (s *Store) deriveCommitHash(baseCommit, patchDir string, combinedRoot merkle.Hash, totalChunks int) (string, error) {
	baseHashBytes, err := hex.DecodeString(baseCommit)
	if err != nil || len(baseHashBytes) != 32 {
		baseHashBytes = make([]byte, 32)
	}

	patchDigest, err := merkle.HashDirectoryTree(patchDir)
	if err != nil {
		return "", fmt.Errorf("store: hash patch directory %s: %w", patchDir, err)
	}

	h := sha256.New()
	h.Write([]byte("DERIVED_COMMIT"))
	h.Write(baseHashBytes)
	h.Write(patchDigest[:])
	h.Write(combinedRoot[:])

	var countLE [8]byte
	binary.LittleEndian.PutUint64(countLE[:], uint64(totalChunks))
	h.Write(countLE[:])

	return hex.EncodeToString(h.Sum(nil)), nil
}
