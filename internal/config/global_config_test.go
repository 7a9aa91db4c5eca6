package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGlobalConfigPath(t *testing.T) {
	path, err := GlobalConfigPath()
	if err != nil {
		t.Fatalf("GlobalConfigPath() error = %v", err)
	}

	if !strings.HasSuffix(path, filepath.Join(".auto-claude", "config.yaml")) {
		t.Errorf("GlobalConfigPath() = %q, want .auto-claude/config.yaml suffix", path)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("GlobalConfigPath() = %q, want absolute path", path)
	}
}

func TestEnsureGlobalConfigFile_CreatesNewFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	path, err := EnsureGlobalConfigFile()
	if err != nil {
		t.Fatalf("EnsureGlobalConfigFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read created config: %v", err)
	}
	if string(data) != DefaultConfigYAML {
		t.Error("created file should contain DefaultConfigYAML")
	}
}

func TestEnsureGlobalConfigFile_PreservesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	dir := filepath.Join(tmpDir, ".auto-claude")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	custom := "daemon:\n  max_concurrent: 8\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(custom), 0o600); err != nil {
		t.Fatal(err)
	}

	path, err := EnsureGlobalConfigFile()
	if err != nil {
		t.Fatalf("EnsureGlobalConfigFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != custom {
		t.Error("existing config should not be overwritten")
	}
}
