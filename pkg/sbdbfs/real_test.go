package sbdbfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReal_CopyFile_CopiesContentAndCreatesMissingSrcEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed src: %v", err)
	}

	r := NewReal()

	if err := r.CopyFile(src, dst, 0o644); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("reading dst: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("dst content = %q, want %q", got, "hello")
	}

	missingSrc := filepath.Join(dir, "does-not-exist")
	dst2 := filepath.Join(dir, "dst2")

	if err := r.CopyFile(missingSrc, dst2, 0o644); err != nil {
		t.Fatalf("CopyFile with missing src: %v", err)
	}

	info, err := os.Stat(dst2)
	if err != nil {
		t.Fatalf("stat dst2: %v", err)
	}

	if info.Size() != 0 {
		t.Fatalf("dst2 size = %d, want 0", info.Size())
	}
}

func TestReal_CopyTree_CopiesNestedStructure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatalf("seed src tree: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "a.md"), []byte("a"), 0o644); err != nil {
		t.Fatalf("seed a.md: %v", err)
	}

	if err := os.WriteFile(filepath.Join(src, "nested", "b.md"), []byte("b"), 0o644); err != nil {
		t.Fatalf("seed nested/b.md: %v", err)
	}

	r := NewReal()

	if err := r.CopyTree(src, dst); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "nested", "b.md"))
	if err != nil {
		t.Fatalf("reading copied nested file: %v", err)
	}

	if string(got) != "b" {
		t.Fatalf("copied content = %q, want %q", got, "b")
	}
}

func TestReal_Exists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	present := filepath.Join(dir, "present")

	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	r := NewReal()

	exists, err := r.Exists(present)
	if err != nil {
		t.Fatalf("Exists(present): %v", err)
	}

	if !exists {
		t.Fatal("Exists(present) = false, want true")
	}

	exists, err = r.Exists(filepath.Join(dir, "absent"))
	if err != nil {
		t.Fatalf("Exists(absent): %v", err)
	}

	if exists {
		t.Fatal("Exists(absent) = true, want false")
	}
}
