package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Service endpoints.
	APIBaseURL  string `toml:"api_base_url"`
	FileBaseURL string `toml:"file_base_url"`
	PushURL     string `toml:"push_url"`
	MetricsAddr string `toml:"metrics_addr"`

	// Credentials attached to every call.
	ClientID    string `toml:"client_id"`
	DeviceID    string `toml:"device_id"`
	SocketID    string `toml:"socket_id"`
	AccessToken string `toml:"access_token"`
	BearerToken string `toml:"bearer_token"`

	// CacheKey is the hex-encoded 32-byte key for the encrypted response
	// cache. Generated on first run when absent.
	CacheKey string `toml:"cache_key"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DecodeCacheKey parses the hex cache key into the fixed-size key used by
// the response cache.
func (c *Config) DecodeCacheKey() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(c.CacheKey)
	if err != nil {
		return key, fmt.Errorf("cache_key is not valid hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("cache_key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
