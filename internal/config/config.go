// Package config wires viper for bdui settings: project config file, user
// config file, BDUI_* environment variables, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton
// Should be called once at application startup
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")

	// Project config wins over user config: walk up to the nearest .beads dir.
	configFileSet := false
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".beads", "bdui.yaml")
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
				break
			}
			if parent := filepath.Dir(dir); parent == dir {
				break
			}
		}
	}
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(configDir, "bdui", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	// BDUI_LOG_LEVEL -> log-level
	v.SetEnvPrefix("BDUI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3000)
	v.SetDefault("workspace", "")
	v.SetDefault("backend", "cli")
	v.SetDefault("bd-path", "bd")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-json", false)
	v.SetDefault("log-file", "")
	v.SetDefault("watch-debounce", 75*time.Millisecond)
	v.SetDefault("queue-size", 256)
	v.SetDefault("url", "ws://127.0.0.1:3000/ws")
	v.SetDefault("reconnect-initial", time.Second)
	v.SetDefault("reconnect-max", 30*time.Second)
	v.SetDefault("reconnect-factor", 2.0)
	v.SetDefault("reconnect-jitter", 0.2)
	v.SetDefault("activity-timeout", 30*time.Second)
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// ConfigFileUsed returns the config file in effect, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
