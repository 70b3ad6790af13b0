package cli

import (
	"fmt"

	"github.com/spf13/viper"
)

// RemoteConfig selects and parameterizes the sync remote. Exactly one kind is
// active; the unused fields stay empty.
type RemoteConfig struct {
	Kind string `mapstructure:"kind"` // "dir", "webdav" or "vault"

	// dir
	Path string `mapstructure:"path"`

	// webdav
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// dir and webdav: path under the remote where this vault lives
	Root string `mapstructure:"root"`

	// vault
	VaultID string `mapstructure:"vault_id"`
	Token   string `mapstructure:"token"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Config is the full CLI configuration, read from the viper stack
// (config file, KEEPSAKE_* env, flags).
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Remote  RemoteConfig `mapstructure:"remote"`
	Log     LogConfig    `mapstructure:"log"`
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *RemoteConfig) validate() error {
	switch c.Kind {
	case "dir":
		if c.Path == "" {
			return fmt.Errorf("remote.path is required for a dir remote")
		}
	case "webdav":
		if c.URL == "" {
			return fmt.Errorf("remote.url is required for a webdav remote")
		}
	case "vault":
		if c.URL == "" || c.VaultID == "" {
			return fmt.Errorf("remote.url and remote.vault_id are required for a vault remote")
		}
	case "":
		return fmt.Errorf("no remote configured; set remote.kind in %s", viper.ConfigFileUsed())
	default:
		return fmt.Errorf("unknown remote.kind %q (want dir, webdav or vault)", c.Kind)
	}
	return nil
}
