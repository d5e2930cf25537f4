// Package objectdb implements the object refcount database: a persistent,
// crash-safe key/value store mapping object id to {size, referencing commit
// ids, first-seen timestamp}, backed by go.etcd.io/bbolt.
package objectdb

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("objects")

// Metadata is the refcount record stored per object id.
type Metadata struct {
	Size       uint64
	CommitRefs map[string]struct{}
	FirstSeen  time.Time
}

func newMetadata(size uint64) *Metadata {
	return &Metadata{
		Size:       size,
		CommitRefs: make(map[string]struct{}),
		FirstSeen:  time.Now().UTC(),
	}
}

// DB is a transactional handle onto the object refcount database.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) the refcount database under stateDir.
func Open(stateDir string) (*DB, error) {
	path := filepath.Join(stateDir, "objects.db")
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("objectdb: open %s: %w", path, err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("objectdb: create bucket: %w", err)
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying file lock.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// Register creates the object's record with size if it is absent (or fills
// in size on an existing record whose size is 0; a non-zero stored size is
// kept) and, if commitID is non-empty, adds it to the object's
// referencing-commit set.
func (d *DB) Register(objectID string, size uint64, commitID string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		meta, err := getLocked(b, objectID)
		if err != nil {
			return err
		}
		if meta == nil {
			meta = newMetadata(size)
		} else if meta.Size == 0 {
			meta.Size = size
		}
		if commitID != "" {
			meta.CommitRefs[commitID] = struct{}{}
		}
		log.L.WithField("object", objectID).WithField("commit", commitID).Debug("objectdb: register")
		return putLocked(b, objectID, meta)
	})
}

// Unregister removes commitID from the object's referencing set. When the
// set becomes empty the record itself is removed (the blob file is not
// touched here; callers decide whether to delete it).
func (d *DB) Unregister(objectID, commitID string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		meta, err := getLocked(b, objectID)
		if err != nil {
			return err
		}
		if meta == nil {
			return nil
		}
		delete(meta.CommitRefs, commitID)
		if len(meta.CommitRefs) == 0 {
			log.L.WithField("object", objectID).Debug("objectdb: refcount reached zero, removing record")
			return b.Delete([]byte(objectID))
		}
		return putLocked(b, objectID, meta)
	})
}

// Get returns the object's metadata, or nil if absent.
func (d *DB) Get(objectID string) (*Metadata, error) {
	var meta *Metadata
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		m, err := getLocked(b, objectID)
		meta = m
		return err
	})
	return meta, err
}

// Remove force-deletes an object's record regardless of its refcount.
func (d *DB) Remove(objectID string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(objectID))
	})
}

func getLocked(b *bolt.Bucket, objectID string) (*Metadata, error) {
	data := b.Get([]byte(objectID))
	if data == nil {
		return nil, nil
	}
	var meta Metadata
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return nil, fmt.Errorf("objectdb: decode %s: %w", objectID, err)
	}
	return &meta, nil
}

func putLocked(b *bolt.Bucket, objectID string, meta *Metadata) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return fmt.Errorf("objectdb: encode %s: %w", objectID, err)
	}
	return b.Put([]byte(objectID), buf.Bytes())
}
