package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/containerd/log"
)

// Tag points refs/<label>/tags/<tag> at commitID via a relative symlink,
// atomically replacing any existing tag of the same name. The replace is a
// symlink-into-temp-name-then-rename, not remove-then-symlink: a concurrent
// ResolveTag must never observe the tag as absent mid-retag.
func (s *Store) Tag(label, commitID, tag string) error {
	if !s.commitExists(commitID) {
		return &CommitNotFoundError{CommitID: commitID}
	}

	tagsPath := s.tagsPath(label)
	tagLink := filepath.Join(tagsPath, tag)
	relTarget := filepath.Join("..", "..", "..", commitsDirName, commitID)

	tmpLink := filepath.Join(tagsPath, "."+tag+"-"+uuid.NewString())
	if err := os.Symlink(relTarget, tmpLink); err != nil {
		return fmt.Errorf("store: symlink tag %s:%s: %w", label, tag, err)
	}
	if err := os.Rename(tmpLink, tagLink); err != nil {
		os.Remove(tmpLink)
		return fmt.Errorf("store: rename tag %s:%s into place: %w", label, tag, err)
	}
	log.L.WithField("label", label).WithField("tag", tag).WithField("commit", commitID).Info("store: tagged commit")
	return nil
}

// Untag removes refs/<label>/tags/<tag>. Always resolves the absolute
// namespaced tags directory, never a bare relative constant — the original
// implementation's untag built its symlink path from a bare TAGS_DIR
// constant, which only worked when the process's current directory
// happened to be the store root; this fixes that.
func (s *Store) Untag(label, tag string) error {
	tagLink := filepath.Join(s.tagsPath(label), tag)
	if _, err := os.Lstat(tagLink); err != nil {
		return &TagNotFoundError{Label: label, Tag: tag}
	}
	if err := os.Remove(tagLink); err != nil {
		return fmt.Errorf("store: remove tag %s:%s: %w", label, tag, err)
	}
	log.L.WithField("label", label).WithField("tag", tag).Info("store: untagged")
	return nil
}

// ResolveTag reads refs/<label>/tags/<tag>'s symlink target and returns its
// final path component, the commit id.
func (s *Store) ResolveTag(label, tag string) (string, error) {
	tagLink := filepath.Join(s.tagsPath(label), tag)
	if _, err := os.Lstat(tagLink); err != nil {
		return "", &TagNotFoundError{Label: label, Tag: tag}
	}
	target, err := os.Readlink(tagLink)
	if err != nil {
		return "", fmt.Errorf("store: readlink tag %s:%s: %w", label, tag, err)
	}
	return filepath.Base(target), nil
}

// ListTags lists the symlinked tags present under refs/<label>/tags.
func (s *Store) ListTags(label string) ([]string, error) {
	entries, err := os.ReadDir(s.tagsPath(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list tags for %s: %w", label, err)
	}
	var tags []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue // in-flight Tag() temp symlink, not a committed tag
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			tags = append(tags, e.Name())
		}
	}
	sort.Strings(tags)
	return tags, nil
}
