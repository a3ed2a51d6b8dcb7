package home

import (
	"fmt"
	"regexp"

	"github.com/andrefmz/chatsync/internal/config"
)

const DefaultProfileName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}

// ValidateName checks that profile conforms to naming rules.
func ValidateName(profile string) error {
	if !nameRegexp.MatchString(profile) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", profile)
	}
	return nil
}
