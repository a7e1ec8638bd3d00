package assets

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadBlobIndex reads a YAML blob index -> blob identifier file and replaces
// the blob_index table with its contents. Unlike the IP-region loader this is
// strict: a malformed file fails the whole load, since a partial indirection
// table would silently drop raw events from every view.
func (s *Store) LoadBlobIndex(ctx context.Context, path string) (int, error) {
	s.log.Info("assets/store: loading blob index", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob index file: %w", err)
	}

	var raw map[int32]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("failed to parse blob index file: %w", err)
	}

	entries := make([]BlobIndexEntry, 0, len(raw))
	for index, blobID := range raw {
		entries = append(entries, BlobIndexEntry{Index: index, BlobID: blobID})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	if err := s.ReplaceBlobIndex(ctx, entries); err != nil {
		return 0, err
	}

	s.log.Info("assets/store: loaded blob index", "count", len(entries))
	return len(entries), nil
}
