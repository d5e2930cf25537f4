package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/containerd/log"

	"github.com/fyralabs/stratum/internal/erofs"
	"github.com/fyralabs/stratum/pkg/merkle"
)

// CommitInfo is the `[commit]` section of metadata.toml.
type CommitInfo struct {
	MerkleRoot   string    `toml:"merkle_root"`
	MetadataHash string    `toml:"metadata_hash"`
	Timestamp    time.Time `toml:"timestamp"`
	ParentCommit string    `toml:"parent_commit,omitempty"`
}

// FileStats is the `[files]` section of metadata.toml.
type FileStats struct {
	Count     uint64 `toml:"count"`
	TotalSize uint64 `toml:"total_size"`
}

// MerkleInfo is the `[merkle]` section of metadata.toml.
type MerkleInfo struct {
	LeafCount uint64 `toml:"leaf_count"`
	TreeDepth uint32 `toml:"tree_depth"`
}

// Commit is the full on-disk representation of commits/<id>/metadata.toml.
type Commit struct {
	CommitInfo CommitInfo `toml:"commit"`
	Files      FileStats  `toml:"files"`
	Merkle     MerkleInfo `toml:"merkle"`
}

// ID returns the commit's identifying metadata hash.
func (c *Commit) ID() string { return c.CommitInfo.MetadataHash }

// MerkleRootBytes decodes the hex merkle root into a 32-byte digest.
func (c *Commit) MerkleRootBytes() (merkle.Hash, error) {
	return decodeHash(c.CommitInfo.MerkleRoot)
}

// MetadataHashBytes decodes the hex commit id into a 32-byte digest.
func (c *Commit) MetadataHashBytes() (merkle.Hash, error) {
	return decodeHash(c.CommitInfo.MetadataHash)
}

func decodeHash(s string) (merkle.Hash, error) {
	var h merkle.Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("store: malformed 32-byte hex digest %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// LoadCommit reads and parses commits/<id>/metadata.toml.
func (s *Store) LoadCommit(commitID string) (*Commit, error) {
	if !s.commitExists(commitID) {
		return nil, &CommitNotFoundError{CommitID: commitID}
	}
	var c Commit
	if _, err := toml.DecodeFile(s.commitMetaPath(commitID), &c); err != nil {
		return nil, fmt.Errorf("store: decode metadata.toml for %s: %w", commitID, err)
	}
	return &c, nil
}

func (s *Store) storeCommit(commitID string, c *Commit) error {
	f, err := os.OpenFile(s.commitMetaPath(commitID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: create metadata.toml for %s: %w", commitID, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("store: encode metadata.toml for %s: %w", commitID, err)
	}
	return nil
}

// CommitDirectoryBare ingests sourceDir as a new content-addressed commit
// under label, per §4.4. It is idempotent: re-ingesting an identical tree
// reproduces the same commit id and overwrites nothing essential.
func (s *Store) CommitDirectoryBare(ctx context.Context, label, sourceDir string, parentCommit string, transient bool) (string, error) {
	chunks, err := merkle.Chunks(sourceDir)
	if err != nil {
		return "", fmt.Errorf("store: collect chunks for %s: %w", sourceDir, err)
	}
	root := merkle.BuildRoot(chunks)

	digest, err := merkle.HashDirectoryTree(sourceDir)
	if err != nil {
		return "", fmt.Errorf("store: hash directory %s: %w", sourceDir, err)
	}
	commitID := hex.EncodeToString(digest[:])

	commitPath := s.commitPath(commitID)
	if err := os.MkdirAll(commitPath, 0o755); err != nil {
		return "", fmt.Errorf("store: create commit dir %s: %w", commitPath, err)
	}

	buildResult, err := erofs.BuildImage(ctx, sourceDir, s.objectsPath(), s.commitImagePath(commitID))
	if err != nil {
		return "", fmt.Errorf("store: build erofs image for %s: %w", commitID, err)
	}

	if !transient {
		s.registerObjects(commitID, buildResult.Objects)
	}
	if err := s.writeObjectList(commitID, buildResult.Objects); err != nil {
		log.L.WithError(err).WithField("commit", commitID).Warn("store: failed to write object list")
	}

	commit := &Commit{
		CommitInfo: CommitInfo{
			MerkleRoot:   hex.EncodeToString(root[:]),
			MetadataHash: commitID,
			Timestamp:    time.Now().UTC(),
			ParentCommit: parentCommit,
		},
		Files: FileStats{
			Count:     uint64(len(chunks)),
			TotalSize: buildResult.TotalSize,
		},
		Merkle: MerkleInfo{
			LeafCount: uint64(len(chunks)),
			TreeDepth: merkle.Depth(len(chunks)),
		},
	}
	if err := s.storeCommit(commitID, commit); err != nil {
		return "", err
	}
	if err := fsyncWalk(commitPath); err != nil {
		log.L.WithError(err).WithField("commit", commitID).Warn("store: fsync commit directory failed")
	}

	refPath := s.refPath(label)
	if err := fsyncWalk(refPath); err != nil {
		log.L.WithError(err).WithField("ref", refPath).Warn("store: fsync ref directory failed")
	}

	log.G(ctx).WithField("commit", commitID).WithField("label", label).Info("store: created commit")
	return commitID, nil
}

// commitFromExistingData builds a commit directory from pre-derived id,
// merkle root, and chunk count, bypassing hash recomputation. Used by the
// union-patch engine (§4.5 step 5).
func (s *Store) commitFromExistingData(ctx context.Context, label, sourceDir, commitID string, root merkle.Hash, chunkCount int, parentCommit string, transient bool) (string, error) {
	commitPath := s.commitPath(commitID)
	if err := os.MkdirAll(commitPath, 0o755); err != nil {
		return "", fmt.Errorf("store: create commit dir %s: %w", commitPath, err)
	}

	buildResult, err := erofs.BuildImage(ctx, sourceDir, s.objectsPath(), s.commitImagePath(commitID))
	if err != nil {
		return "", fmt.Errorf("store: build erofs image for %s: %w", commitID, err)
	}

	if !transient {
		s.registerObjects(commitID, buildResult.Objects)
	}
	if err := s.writeObjectList(commitID, buildResult.Objects); err != nil {
		log.L.WithError(err).WithField("commit", commitID).Warn("store: failed to write object list")
	}

	commit := &Commit{
		CommitInfo: CommitInfo{
			MerkleRoot:   hex.EncodeToString(root[:]),
			MetadataHash: commitID,
			Timestamp:    time.Now().UTC(),
			ParentCommit: parentCommit,
		},
		Files: FileStats{
			Count:     uint64(chunkCount),
			TotalSize: buildResult.TotalSize,
		},
		Merkle: MerkleInfo{
			LeafCount: uint64(chunkCount),
			TreeDepth: merkle.Depth(chunkCount),
		},
	}
	if err := s.storeCommit(commitID, commit); err != nil {
		return "", err
	}
	if err := fsyncWalk(commitPath); err != nil {
		log.L.WithError(err).WithField("commit", commitID).Warn("store: fsync commit directory failed")
	}

	refPath := s.refPath(label)
	if err := fsyncWalk(refPath); err != nil {
		log.L.WithError(err).WithField("ref", refPath).Warn("store: fsync ref directory failed")
	}

	log.G(ctx).WithField("commit", commitID).WithField("label", label).Info("store: created derived commit")
	return commitID, nil
}

func (s *Store) registerObjects(commitID string, objects []erofs.ObjectRef) {
	for _, obj := range objects {
		if err := s.objects.Register(obj.ID, obj.Size, commitID); err != nil {
			log.L.WithError(err).WithField("object", obj.ID).WithField("commit", commitID).
				Warn("store: failed to register object")
		}
	}
}

// DeleteCommit removes a commit directory and its object refcount entries.
// Refused while any live mount pins the commit (§3 invariant, §8 property 8).
func (s *Store) DeleteCommit(commitID string) error {
	n, err := s.mounts.CommitMountCount(commitID)
	if err != nil {
		return fmt.Errorf("store: check live mounts for %s: %w", commitID, err)
	}
	if n > 0 {
		return &CommitBusyError{CommitID: commitID}
	}

	if err := s.unregisterObjects(commitID); err != nil {
		log.L.WithError(err).WithField("commit", commitID).Warn("store: failed to unregister commit's objects")
	}

	commitPath := s.commitPath(commitID)
	if err := os.RemoveAll(commitPath); err != nil {
		return fmt.Errorf("store: remove commit dir %s: %w", commitPath, err)
	}
	return nil
}

// objectListPath is where a commit's object id list is recorded at build
// time, letting delete_commit precisely unregister only the objects this
// commit actually referenced without a full object-directory scan or a
// shelled-out `composefs-info objects` equivalent.
func (s *Store) objectListPath(commitID string) string {
	return s.commitPath(commitID) + "/.objects"
}

func (s *Store) writeObjectList(commitID string, objects []erofs.ObjectRef) error {
	f, err := os.OpenFile(s.objectListPath(commitID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, obj := range objects {
		if _, err := fmt.Fprintln(f, obj.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readObjectList(commitID string) ([]string, error) {
	data, err := os.ReadFile(s.objectListPath(commitID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				ids = append(ids, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return ids, nil
}

// unregisterObjects drops commitID from every object it referenced, per the
// recorded object list written at build time.
func (s *Store) unregisterObjects(commitID string) error {
	ids, err := s.readObjectList(commitID)
	if err != nil {
		return err
	}
	for _, objectID := range ids {
		if err := s.objects.Unregister(objectID, commitID); err != nil {
			log.L.WithError(err).WithField("object", objectID).Warn("store: failed to unregister object")
		}
	}
	return nil
}

// VerifyCommit checks that every object commitID's image references is
// actually present in the shared object store, returning an
// *IntegrityError if any are missing. This is the Go-native analog of the
// Rust original's `composefs-info missing-objects` shell-out.
func (s *Store) VerifyCommit(commitID string) error {
	if !s.commitExists(commitID) {
		return &CommitNotFoundError{CommitID: commitID}
	}
	ids, err := s.readObjectList(commitID)
	if err != nil {
		return fmt.Errorf("store: read object list for %s: %w", commitID, err)
	}
	missing, err := erofs.MissingObjects(s.objectsPath(), ids)
	if err != nil {
		return fmt.Errorf("store: verify objects for %s: %w", commitID, err)
	}
	if len(missing) > 0 {
		return &IntegrityError{CommitID: commitID, Missing: missing}
	}
	return nil
}
