// Package config loads the archivist client configuration from a YAML file
// and ARCHIVIST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/archivist-dev/archivist/pkg/checksum"
)

// EnvPrefix prefixes environment overrides, e.g. ARCHIVIST_DATABASE_DSN.
const EnvPrefix = "ARCHIVIST"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store and database types.
const (
	TypeLocal    = "local"
	TypeHTTP     = "http"
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Config is the client configuration.
type Config struct {
	Database         DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Authority        AuthorityConfig `mapstructure:"authority" yaml:"authority"`
	Cache            CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Checksum         string          `mapstructure:"checksum" yaml:"checksum"`
	User             UserConfig      `mapstructure:"user" yaml:"user"`
	RequiredMetadata []string        `mapstructure:"required_metadata" yaml:"required_metadata,omitempty"`
}

// DatabaseConfig selects the history database.
type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// AuthorityConfig selects the authoritative byte store.
type AuthorityConfig struct {
	Type       string `mapstructure:"type" yaml:"type"`
	Path       string `mapstructure:"path" yaml:"path,omitempty"`
	URL        string `mapstructure:"url" yaml:"url,omitempty"`
	Token      string `mapstructure:"token" yaml:"token,omitempty"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	UploadRate int64  `mapstructure:"upload_rate" yaml:"upload_rate,omitempty"`
}

// CacheConfig configures the local cache.
type CacheConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Type       string `mapstructure:"type" yaml:"type"`
	Path       string `mapstructure:"path" yaml:"path,omitempty"`
	MaxEntries int    `mapstructure:"max_entries" yaml:"max_entries,omitempty"`
	Verify     bool   `mapstructure:"verify" yaml:"verify"`
}

// UserConfig is recorded as author and contact on new versions.
type UserConfig struct {
	Name  string `mapstructure:"name" yaml:"name"`
	Email string `mapstructure:"email" yaml:"email"`
}

// DefaultDir returns $HOME/.archivist.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".archivist")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns a local setup rooted at dir, or DefaultDir when dir is
// empty.
func Default(dir string) *Config {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Config{
		Database: DatabaseConfig{
			Type: TypeSQLite,
			DSN:  filepath.Join(dir, "history.db"),
		},
		Authority: AuthorityConfig{
			Type: TypeLocal,
			Path: filepath.Join(dir, "authority"),
		},
		Cache: CacheConfig{
			Enabled: true,
			Type:    TypeLocal,
			Path:    filepath.Join(dir, "cache"),
		},
		Checksum: checksum.SHA256,
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("authority.type", d.Authority.Type)
	v.SetDefault("authority.path", d.Authority.Path)
	v.SetDefault("authority.url", d.Authority.URL)
	v.SetDefault("authority.token", d.Authority.Token)
	v.SetDefault("authority.compress", d.Authority.Compress)
	v.SetDefault("authority.upload_rate", d.Authority.UploadRate)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.type", d.Cache.Type)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.verify", d.Cache.Verify)
	v.SetDefault("checksum", d.Checksum)
	v.SetDefault("user.name", d.User.Name)
	v.SetDefault("user.email", d.User.Email)
	v.SetDefault("required_metadata", d.RequiredMetadata)
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error unless
// mustExist is set.
func Load(path string, mustExist bool) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default(""))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)
			if mustExist || !missing {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks store types and the settings each type needs.
func (c *Config) Validate() error {
	var problems []string
	switch c.Database.Type {
	case TypeSQLite, TypePostgres, TypeMySQL:
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required")
		}
	case TypeMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown database.type %q", c.Database.Type))
	}

	switch c.Authority.Type {
	case TypeLocal:
		if c.Authority.Path == "" {
			problems = append(problems, "authority.path is required for a local authority")
		}
	case TypeHTTP:
		if c.Authority.URL == "" {
			problems = append(problems, "authority.url is required for an http authority")
		}
	case TypeMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown authority.type %q", c.Authority.Type))
	}
	if c.Authority.UploadRate < 0 {
		problems = append(problems, "authority.upload_rate must not be negative")
	}

	if c.Cache.Enabled {
		switch c.Cache.Type {
		case TypeLocal:
			if c.Cache.Path == "" {
				problems = append(problems, "cache.path is required for a local cache")
			}
		case TypeMemory:
		default:
			problems = append(problems, fmt.Sprintf("unknown cache.type %q", c.Cache.Type))
		}
		if c.Cache.MaxEntries < 0 {
			problems = append(problems, "cache.max_entries must not be negative")
		}
	}

	if _, err := checksum.New(c.Checksum); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Write saves cfg as YAML at path, replacing any existing file atomically.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	tmpPath = ""
	return nil
}
