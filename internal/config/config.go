// Package config loads the engine's YAML configuration, expanding
// environment variables before parsing and loading a .env file ahead of
// that, the same way the teacher repository's configuration loader does.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/newpr-stacker/engine/internal/objstore"
	"github.com/newpr-stacker/engine/internal/stackmodel"
)

// RetryConfig configures backoff for object-store I/O.
type RetryConfig struct {
	MaxRetries   int    `yaml:"max_retries"`
	InitialDelay string `yaml:"initial_delay"`
	MaxDelay     string `yaml:"max_delay"`
	Backoff      string `yaml:"backoff"` // "linear" or "exponential"
}

// ToObjstore converts the YAML-shaped retry knobs into objstore's
// RetryConfig, parsing duration strings and falling back to objstore's
// own zero-value defaults on a bad or absent string.
func (r RetryConfig) ToObjstore() *objstore.RetryConfig {
	initial, _ := time.ParseDuration(r.InitialDelay)
	maxDelay, _ := time.ParseDuration(r.MaxDelay)
	return &objstore.RetryConfig{
		MaxRetries:   r.MaxRetries,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Backoff:      r.Backoff,
	}
}

// ClassifierConfig points at an external classification endpoint.
type ClassifierConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

// BranchNaming holds the branch-ref prefix setting. It is loaded and
// defaulted but not read by the executor, which always names branches
// under the "newpr-stack" prefix.
type BranchNaming struct {
	Prefix string `yaml:"prefix"` // default "newpr-stack"
}

// GroupConfig declares one candidate group the classifier may assign
// paths to. ID must be stable across runs of the same analysis session;
// it becomes the group's branch-name slug and the classifier's target
// label.
type GroupConfig struct {
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind"` // feature|refactor|bugfix|chore|docs|test|config
	Description  string   `yaml:"description,omitempty"`
	ExplicitDeps []string `yaml:"depends_on,omitempty"`
}

// ToStackModel converts the declared candidate groups into the
// stackmodel.Group slice the engine consumes.
func ToStackModel(groups []GroupConfig) []stackmodel.Group {
	out := make([]stackmodel.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, stackmodel.Group{
			ID:           g.ID,
			Kind:         stackmodel.GroupKind(g.Kind),
			Description:  g.Description,
			ExplicitDeps: g.ExplicitDeps,
		})
	}
	return out
}

// EngineConfig is the root configuration document.
type EngineConfig struct {
	RepoPath      string           `yaml:"repo_path"`
	Retry         RetryConfig      `yaml:"retry"`
	BranchNaming  BranchNaming     `yaml:"branch_naming"`
	Classifier    ClassifierConfig `yaml:"classifier"`
	FallbackGroup string           `yaml:"fallback_group,omitempty"`
	SessionDir    string           `yaml:"session_dir,omitempty"`
	Groups        []GroupConfig    `yaml:"groups,omitempty"`
}

// Load loads configuration from the specified file, expanding
// environment variables in its content after first loading a .env file
// from the current directory (if present — its absence is not an error).
func Load(configPath string) (*EngineConfig, error) {
	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "note: could not load .env: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg EngineConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *EngineConfig) {
	if cfg.BranchNaming.Prefix == "" {
		cfg.BranchNaming.Prefix = "newpr-stack"
	}
	if cfg.FallbackGroup == "" {
		cfg.FallbackGroup = "unclassified"
	}
	if cfg.Retry.Backoff == "" {
		cfg.Retry.Backoff = "exponential"
	}
	if cfg.Retry.InitialDelay == "" {
		cfg.Retry.InitialDelay = "200ms"
	}
	if cfg.Retry.MaxDelay == "" {
		cfg.Retry.MaxDelay = "5s"
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = ".prstack/sessions"
	}
}

// loadDotEnv loads .env then .env.local, each optional, the latter
// overriding the former — same precedence as the teacher's loader, using
// godotenv instead of a hand-rolled scanner.
func loadDotEnv() error {
	candidates := []string{".env", ".env.local"}
	var lastErr error
	loaded := false
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			lastErr = err
			continue
		}
		loaded = true
	}
	if !loaded {
		return nil
	}
	return lastErr
}
