package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Key derives the cache key for a workspace: a hex SHA-256 over the
// toolchain identifier and the contents of every lockfile, in sorted path
// order. Any lockfile edit produces a different key, so a dependency bump
// can never be served stale artifacts. Only the lockfile's base name is
// mixed in, never its directory: every job runs in a fresh workspace, and
// the same lockfile contents must hit the same entry across workspaces.
func Key(toolchain string, lockfiles ...string) (string, error) {
	if len(lockfiles) == 0 {
		return "", fmt.Errorf("at least one lockfile is required")
	}

	paths := make([]string, len(lockfiles))
	copy(paths, lockfiles)
	sort.Strings(paths)

	h := sha256.New()
	fmt.Fprintf(h, "toolchain:%s\n", toolchain)
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open lockfile: %w", err)
		}
		fmt.Fprintf(h, "file:%s\n", filepath.Base(path))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to hash lockfile %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
