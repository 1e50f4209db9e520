// Copyright (c) 2026 Keysync Team
// Keysync - centralized SSH authorized_keys synchronization
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads the keysync configuration with viper. Settings come
// from (in rising precedence) built-in defaults, a keysync.yaml config file,
// KEYSYNC_* environment variables and bound CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full configuration surface consumed by the sync engine.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Language string         `mapstructure:"language"`
	LDAP     LDAPConfig     `mapstructure:"ldap"`
	Security SecurityConfig `mapstructure:"security"`
	General  GeneralConfig  `mapstructure:"general"`
	Privacy  PrivacyConfig  `mapstructure:"privacy"`
	Web      WebConfig      `mapstructure:"web"`
	Sync     SyncConfig     `mapstructure:"sync"`

	// ConfigFile is the file the loaded configuration came from, empty
	// when only defaults, environment and flags applied. Workers spawned
	// by the process pool receive it so they resolve the same settings
	// as the supervisor.
	ConfigFile string `mapstructure:"-"`
	// Debug mirrors the --debug flag, forwarded to workers the same way.
	Debug bool `mapstructure:"-"`
}

// DatabaseConfig selects the directory database backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

// LDAPConfig describes the directory bind used by the external LDAP sync.
// The engine only inspects Enabled to detect authorization scheme mismatches.
type LDAPConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`
	BaseDN       string `mapstructure:"base_dn"`
	UIDAttribute string `mapstructure:"uid_attribute"`
}

// SecurityConfig controls the jump-host chain security posture.
type SecurityConfig struct {
	JumphostStrictHostKeyChecking bool   `mapstructure:"jumphost_strict_host_key_checking"`
	JumphostKnownHostsFile        string `mapstructure:"jumphost_known_hosts_file"`
}

// GeneralConfig holds timeout utility resolution settings.
type GeneralConfig struct {
	TimeoutUtil   string `mapstructure:"timeout_util"`   // "GNU" (default) or "BusyBox"
	TimeoutBinary string `mapstructure:"timeout_binary"` // explicit path, probed when empty
}

// PrivacyConfig controls comment emission and history-env injection.
type PrivacyConfig struct {
	CommentKeyFiles           bool   `mapstructure:"comment_key_files"`
	HistoryUsernameEnvDefault bool   `mapstructure:"history_username_env_default"`
	HistoryUsernameEnvFormat  string `mapstructure:"history_username_env_format"`
}

// WebConfig points generated keyfile banners at the management UI.
type WebConfig struct {
	BaseURL string `mapstructure:"baseurl"`
}

// SyncConfig holds engine-local settings.
type SyncConfig struct {
	KeyDir         string `mapstructure:"key_dir"`
	IdentityFile   string `mapstructure:"identity_file"`
	PublicKeyFile  string `mapstructure:"public_key_file"`
	MaxProcs       int    `mapstructure:"max_procs"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Defaults returns the built-in default values, keyed the way viper expects.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":         "sqlite",
		"database.dsn":          "./keysync.db",
		"language":              "en",
		"general.timeout_util":  "GNU",
		"web.baseurl":           "",
		"sync.key_dir":          "/var/local/keys-sync",
		"sync.identity_file":    "config/keys-sync",
		"sync.public_key_file":  "config/keys-sync.pub",
		"sync.max_procs":        20,
		"sync.timeout_seconds":  60,
		"privacy.comment_key_files": true,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keysync")
		default:
			configDir = "/etc/keysync"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keysync")
	}

	return filepath.Join(configDir, "keysync.yaml"), nil
}

// Load reads the configuration for the given command. Flags registered on
// the command are bound into viper so they override file and env values.
func Load(cmd *cobra.Command, explicitFile string) (*Config, error) {
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keysync")
	v.SetConfigType("yaml")
	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	}
	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keysync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.ConfigFile = v.ConfigFileUsed()
	return &c, nil
}

// WriteFile persists the configuration as YAML to the standard location.
func WriteFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may carry an LDAP bind password.
	return os.WriteFile(path, data, 0600)
}
