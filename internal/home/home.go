package home

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// DBPath returns the sqlite database path for a profile.
func DBPath(profile string) string {
	return filepath.Join(Dir(profile), "chatsync.db")
}

// FileCacheDir returns the staged-binary cache directory for a profile.
func FileCacheDir(profile string) string {
	return filepath.Join(Dir(profile), "files")
}

// RespCacheDir returns the encrypted response cache root for a profile.
func RespCacheDir(profile string) string {
	return filepath.Join(Dir(profile), "respcache")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(profile string) string {
	return filepath.Join(Dir(profile), "logs")
}

// LogPath returns the engine log file path.
func LogPath(profile string) string {
	return filepath.Join(LogDir(profile), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(profile string) error {
	dirs := []string{
		Dir(profile),
		FileCacheDir(profile),
		RespCacheDir(profile),
		LogDir(profile),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
