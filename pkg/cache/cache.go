package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// markerName flags a fully committed entry. Entries without it are
// half-written leftovers from an interrupted save and count as misses.
const markerName = ".complete"

// Cache is a content-addressed store of dependency directories shared by
// the jobs running on one machine. Entries are committed atomically: a
// save that dies mid-copy leaves no marker and is ignored thereafter.
type Cache struct {
	root string
}

// New opens a cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	return &Cache{root: dir}, nil
}

func (c *Cache) entryDir(key string) string {
	return filepath.Join(c.root, key)
}

// Has reports whether a committed entry exists for the key.
func (c *Cache) Has(key string) bool {
	_, err := os.Stat(filepath.Join(c.entryDir(key), markerName))
	return err == nil
}

// Restore copies the cached entry for key into dest. It returns false
// without touching dest when the key misses.
func (c *Cache) Restore(key, dest string) (bool, error) {
	if !c.Has(key) {
		return false, nil
	}
	if err := copyTree(c.entryDir(key), dest); err != nil {
		return false, fmt.Errorf("failed to restore cache entry %s: %w", key, err)
	}
	return true, nil
}

// Save copies src into the cache under key and commits it. Saving over an
// existing committed entry is a no-op so the first writer wins.
func (c *Cache) Save(key, src string) error {
	if c.Has(key) {
		return nil
	}

	tmp := c.entryDir(key) + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("failed to clear stale cache dir: %w", err)
	}
	if err := copyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to stage cache entry %s: %w", key, err)
	}

	dir := c.entryDir(key)
	os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("failed to commit cache entry %s: %w", key, err)
	}
	marker, err := os.Create(filepath.Join(dir, markerName))
	if err != nil {
		return fmt.Errorf("failed to mark cache entry %s: %w", key, err)
	}
	return marker.Close()
}

// Evict removes the entry for key, committed or not.
func (c *Cache) Evict(key string) error {
	if err := os.RemoveAll(c.entryDir(key) + ".tmp"); err != nil {
		return err
	}
	return os.RemoveAll(c.entryDir(key))
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == markerName {
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
