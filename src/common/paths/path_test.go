package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("GI_TEST_DIR", "/opt/gi")

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/cache", filepath.Join(home, "cache")},
		{"$GI_TEST_DIR/x", "/opt/gi/x"},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"~user/x", "~user/x"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Expand(tt.in); got != tt.want {
				t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCacheDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", base)

	if got, want := CacheDir("grubimage"), filepath.Join(base, "grubimage"); got != want {
		t.Errorf("CacheDir() = %q, want %q", got, want)
	}
}

func TestFilePredicates(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	if !Exists(file) || !IsFile(file) || IsDir(file) {
		t.Error("file predicates wrong for regular file")
	}
	if !IsDir(dir) || IsFile(dir) {
		t.Error("file predicates wrong for directory")
	}
	if Exists(filepath.Join(dir, "missing")) {
		t.Error("Exists() true for missing path")
	}
}

func TestEnsureDirAndDirSize(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "file.bin")

	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	if err := os.WriteFile(nested, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top"), make([]byte, 28), 0644); err != nil {
		t.Fatal(err)
	}

	size, err := DirSize(dir)
	if err != nil {
		t.Fatalf("DirSize() error = %v", err)
	}
	if size != 128 {
		t.Errorf("DirSize() = %d, want 128", size)
	}
}
