// Package config loads the server configuration and the jobs file, both
// YAML via koanf. The jobs file is additionally watched for changes and
// hot-reloaded with debouncing.
package config

import (
	"fmt"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// supported schema major version of both config and jobs files
const schemaMajor = 1

// Config is the server configuration file.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Database struct {
		// Driver selects the storage backend: memory or falkor.
		Driver   string `yaml:"driver"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		// Search enables backend full-text search for the search term
		// endpoint; off means substring matching.
		Search bool `yaml:"search"`
	} `yaml:"database"`

	WorkQueue struct {
		MaxRetries  int           `yaml:"max_retries"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
	} `yaml:"work_queue"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"`
		TLSCAPath   string `yaml:"tls_ca"`
		TLSInsecure bool   `yaml:"tls_insecure"`
	} `yaml:"tracing"`

	// JobsFile points at the watched jobs file; empty disables it.
	JobsFile     string `yaml:"jobs_file"`
	DefaultGraph string `yaml:"default_graph"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{SchemaVersion: "v1"}
	cfg.Server.Listen = ":8900"
	cfg.Database.Driver = "memory"
	cfg.WorkQueue.MaxRetries = 3
	cfg.WorkQueue.TaskTimeout = 30 * time.Second
	cfg.DefaultGraph = "ck"
	return cfg
}

// Load reads the config file at path over the defaults. An empty path
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the schema version and enum fields.
func (c *Config) Validate() error {
	if err := checkSchemaVersion(c.SchemaVersion); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "memory", "falkor":
	default:
		return fmt.Errorf("unknown database driver %q (memory or falkor)", c.Database.Driver)
	}
	if c.Database.Driver == "falkor" && c.Database.Address == "" {
		return fmt.Errorf("database.address is required for the falkor driver")
	}
	if c.WorkQueue.MaxRetries < 0 {
		return fmt.Errorf("work_queue.max_retries must not be negative")
	}
	return nil
}

// checkSchemaVersion accepts any v1.x version string.
func checkSchemaVersion(raw string) error {
	if raw == "" {
		return fmt.Errorf("schema_version is required")
	}
	v, err := goversion.NewVersion(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", raw, err)
	}
	if v.Segments()[0] != schemaMajor {
		return fmt.Errorf("unsupported schema_version %q (want v%d.x)", raw, schemaMajor)
	}
	return nil
}
