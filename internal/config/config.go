// Package config loads the gitdocs configuration.
//
// Settings come from a YAML file and can be overridden by a .env file or the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maruel/gitdocs/internal/docstore"
)

// Backend names.
const (
	BackendGit      = "git"
	BackendContents = "contents"
)

// Git configures the local git repository backend.
type Git struct {
	Dir         string `yaml:"dir"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Contents configures the remote contents API backend.
type Contents struct {
	BaseURL           string  `yaml:"base_url"`
	Owner             string  `yaml:"owner"`
	Repo              string  `yaml:"repo"`
	Branch            string  `yaml:"branch"`
	Token             string  `yaml:"-"` // Only from the environment.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the whole configuration.
type Config struct {
	Backend         string                      `yaml:"backend"`
	BasePath        string                      `yaml:"base_path"`
	LogLevel        string                      `yaml:"log_level"`
	LockCollections bool                        `yaml:"lock_collections"`
	Git             Git                         `yaml:"git"`
	Contents        Contents                    `yaml:"contents"`
	Schemas         map[string]*docstore.Schema `yaml:"schemas"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Backend:  BackendGit,
		BasePath: docstore.DefaultBasePath,
		LogLevel: "info",
		Git:      Git{Dir: "./gitdocs-data"},
		Contents: Contents{BaseURL: "https://api.github.com", RequestsPerSecond: 5, Burst: 5},
		Schemas:  map[string]*docstore.Schema{},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from a command line flag
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Schemas == nil {
		cfg.Schemas = map[string]*docstore.Schema{}
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the .env file at envPath, if present, then
// from the process environment which takes precedence.
func (c *Config) ApplyEnv(envPath string) error {
	env := map[string]string{}
	if envPath != "" {
		m, err := godotenv.Read(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to read %s: %w", envPath, err)
		}
		for k, v := range m {
			env[k] = v
		}
	}
	get := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return env[key]
	}
	if v := get("GITDOCS_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := get("GITDOCS_BASE_PATH"); v != "" {
		c.BasePath = v
	}
	if v := get("GITDOCS_GIT_DIR"); v != "" {
		c.Git.Dir = v
	}
	if v := get("GITDOCS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := get("GITDOCS_TOKEN"); v != "" {
		c.Contents.Token = v
	}
	if v := get("GITDOCS_LOCK_COLLECTIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GITDOCS_LOCK_COLLECTIONS: %w", err)
		}
		c.LockCollections = b
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendGit:
		if c.Git.Dir == "" {
			return errors.New("git.dir is required")
		}
	case BackendContents:
		if c.Contents.BaseURL == "" || c.Contents.Owner == "" || c.Contents.Repo == "" {
			return errors.New("contents.base_url, contents.owner and contents.repo are required")
		}
		if c.Contents.RequestsPerSecond < 0 {
			return errors.New("contents.requests_per_second must not be negative")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	for name, s := range c.Schemas {
		if s == nil {
			continue
		}
		for field, typ := range s.Types {
			switch typ {
			case docstore.TypeString, docstore.TypeNumber, docstore.TypeBoolean, docstore.TypeArray, docstore.TypeObject, docstore.TypeNull:
			default:
				return fmt.Errorf("schemas.%s.types.%s: unknown type %q", name, field, typ)
			}
		}
	}
	return nil
}
