package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileScoped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "implementation_plan.json")
	if err := os.WriteFile(path, []byte(`{"status":"queue"}`), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := ReadFileScoped(path)
	if err != nil {
		t.Fatalf("ReadFileScoped: %v", err)
	}
	if string(got) != `{"status":"queue"}` {
		t.Fatalf("content = %q", got)
	}
}

func TestReadFileScopedRejectsNonFiles(t *testing.T) {
	for _, p := range []string{"", ".", string(filepath.Separator)} {
		if _, err := ReadFileScoped(p); err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestReadFileScopedMissing(t *testing.T) {
	if _, err := ReadFileScoped(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := ReadFileScoped(filepath.Join(t.TempDir(), "nodir", "plan.json")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
