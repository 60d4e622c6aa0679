package codesync

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
)

// CollectionNamePrefix is the fixed prefix every derived collection name
// carries, matching the on-disk snapshot naming in Snapshot.
const CollectionNamePrefix = "code_chunks_"

// CollectionName derives the deterministic collection identifier for a
// codebase path: code_chunks_<first 8 hex of md5(canonical(path))>. Two
// paths that resolve to the same absolute location (relative vs absolute,
// trailing slash, ".." segments) must yield the same name; collisions are
// tolerated only probabilistically at 8 hex characters and are not
// detected here.
func CollectionName(path string) string {
	canonical := canonicalizePath(path)
	sum := md5.Sum([]byte(canonical))
	return CollectionNamePrefix + hex.EncodeToString(sum[:])[:8]
}

// canonicalizePath resolves path to an absolute, cleaned form so that
// equivalent spellings of the same directory hash identically. Abs also
// cleans its result, so this is a single pass over filepath's cleaning
// rules rather than a duplicate of them.
func canonicalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
