package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		APIBaseURL:     "https://chat.example.com/api",
		FileBaseURL:    "https://files.example.com",
		ClientID:       "client-1",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.APIBaseURL != cfg.APIBaseURL || loaded.ClientID != "client-1" {
		t.Errorf("Load() = %+v, want %+v", loaded, cfg)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestDecodeCacheKey(t *testing.T) {
	cfg := &Config{CacheKey: strings.Repeat("ab", 32)}
	key, err := cfg.DecodeCacheKey()
	if err != nil {
		t.Fatalf("DecodeCacheKey() error = %v", err)
	}
	if key[0] != 0xab || key[31] != 0xab {
		t.Errorf("key = %x, want repeated 0xab", key)
	}

	for _, bad := range []string{"zz", "abcd", ""} {
		cfg := &Config{CacheKey: bad}
		if _, err := cfg.DecodeCacheKey(); err == nil {
			t.Errorf("DecodeCacheKey(%q) expected error", bad)
		}
	}
}
