package erofs

import (
	"fmt"
	"os"

	digest "github.com/opencontainers/go-digest"
)

// MissingObjects returns the subset of objectIDs whose blob is absent from
// objectsDir. This is the Go-native replacement for the Rust original's
// shelled-out `composefs-info --basedir=<objects> missing-objects` call:
// Stratum has no composefs-info binary, so it walks its own sharded object
// layout directly.
func MissingObjects(objectsDir string, objectIDs []string) ([]string, error) {
	var missing []string
	for _, idStr := range objectIDs {
		id, err := digest.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("erofs: parse object id %q: %w", idStr, err)
		}
		path := ObjectPath(objectsDir, id)
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, idStr)
				continue
			}
			return nil, fmt.Errorf("erofs: stat object %s: %w", path, err)
		}
	}
	return missing, nil
}
