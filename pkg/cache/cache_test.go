package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestKeyDeterministic(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "Cargo.lock")
	writeFile(t, lock, "[[package]]\nname = \"serde\"\nversion = \"1.0.0\"\n")

	k1, err := Key("rustc 1.76.0", lock)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Key("rustc 1.76.0", lock)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("same inputs produced different keys: %s vs %s", k1, k2)
	}
}

func TestKeySameAcrossWorkspaces(t *testing.T) {
	content := "[[package]]\nname = \"serde\"\nversion = \"1.0.0\"\n"
	lockA := filepath.Join(t.TempDir(), "Cargo.lock")
	lockB := filepath.Join(t.TempDir(), "Cargo.lock")
	writeFile(t, lockA, content)
	writeFile(t, lockB, content)

	kA, err := Key("rustc 1.76.0", lockA)
	if err != nil {
		t.Fatal(err)
	}
	kB, err := Key("rustc 1.76.0", lockB)
	if err != nil {
		t.Fatal(err)
	}
	if kA != kB {
		t.Errorf("same lockfile contents in different workspaces produced different keys: %s vs %s", kA, kB)
	}
}

func TestKeyChangesWithLockfile(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "Cargo.lock")
	writeFile(t, lock, "version = \"1.0.0\"\n")

	before, err := Key("rustc 1.76.0", lock)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, lock, "version = \"1.0.1\"\n")
	after, err := Key("rustc 1.76.0", lock)
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Error("lockfile edit did not change the cache key")
	}
}

func TestKeyChangesWithToolchain(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "Cargo.lock")
	writeFile(t, lock, "version = \"1.0.0\"\n")

	a, err := Key("rustc 1.76.0", lock)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Key("rustc 1.77.0", lock)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("toolchain bump did not change the cache key")
	}
}

func TestSaveAndRestore(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "registry", "serde.crate"), "bytes")

	if c.Has("k1") {
		t.Fatal("empty cache should miss")
	}
	if err := c.Save("k1", src); err != nil {
		t.Fatal(err)
	}
	if !c.Has("k1") {
		t.Fatal("saved entry should hit")
	}

	dest := t.TempDir()
	hit, err := c.Restore("k1", dest)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected restore hit")
	}
	data, err := os.ReadFile(filepath.Join(dest, "registry", "serde.crate"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "bytes" {
		t.Errorf("restored content = %q, want %q", data, "bytes")
	}
}

func TestRestoreMissLeavesDestUntouched(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()
	hit, err := c.Restore("nope", dest)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Fatal("expected miss")
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("miss wrote %d entries into dest", len(entries))
	}
}

func TestUncommittedEntryIsMiss(t *testing.T) {
	root := t.TempDir()
	c, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a save that died before the marker was written.
	writeFile(t, filepath.Join(root, "k1", "partial"), "half")

	if c.Has("k1") {
		t.Error("entry without completion marker should miss")
	}
}

func TestSaveFirstWriterWins(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	first := t.TempDir()
	writeFile(t, filepath.Join(first, "f"), "one")
	if err := c.Save("k", first); err != nil {
		t.Fatal(err)
	}

	second := t.TempDir()
	writeFile(t, filepath.Join(second, "f"), "two")
	if err := c.Save("k", second); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if _, err := c.Restore("k", dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "one" {
		t.Errorf("committed entry was overwritten: got %q", data)
	}
}

func TestEvict(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), "x")
	if err := c.Save("k", src); err != nil {
		t.Fatal(err)
	}
	if err := c.Evict("k"); err != nil {
		t.Fatal(err)
	}
	if c.Has("k") {
		t.Error("evicted entry should miss")
	}
}
