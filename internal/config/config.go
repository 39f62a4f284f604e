package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsifry/metarelay/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

// Config is the root configuration document, loaded from YAML with
// environment and CLI-flag overlays.
type Config struct {
	Cloud      CloudConfig      `koanf:"cloud"`
	Repos      []RepoConfig     `koanf:"repos"`
	Handlers   []HandlerConfig  `koanf:"handlers"`
	DBPath     string           `koanf:"db_path"`
	LogLevel   string           `koanf:"log_level"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Daemon     DaemonConfig     `koanf:"daemon"`
}

// CloudConfig is the remote event source's connection info.
type CloudConfig struct {
	URL string `koanf:"url"`
	Key string `koanf:"key"`
}

// RepoConfig names a repository to relay events for, and where to write its
// local event journal.
type RepoConfig struct {
	Name string `koanf:"name"`
	Path string `koanf:"path"`
}

// HandlerConfig is a static dispatch rule loaded at startup.
type HandlerConfig struct {
	Name           string   `koanf:"name"`
	EventType      string   `koanf:"event_type"`
	Action         string   `koanf:"action"`
	Command        string   `koanf:"command"`
	Filters        []string `koanf:"filters"`
	TimeoutSeconds int      `koanf:"timeout"`
	Enabled        *bool    `koanf:"enabled"`
}

// DispatcherConfig tunes the bounded-concurrency subprocess pool.
type DispatcherConfig struct {
	Concurrency    int   `koanf:"concurrency"`
	StdoutCapBytes int64 `koanf:"stdout_cap_bytes"`
	StderrCapBytes int64 `koanf:"stderr_cap_bytes"`
}

// DaemonConfig holds runtime tunables for the daemon lifecycle, expressed as
// duration strings the way the rest of the config surface does.
type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	StaleLockTTL        string `koanf:"stale_lock_ttl"`
	WorkspacePath       string `koanf:"workspace_path"`
}

const (
	DefaultDBPath                 = "metarelay.db"
	DefaultLogLevel               = "info"
	DefaultHandlerTimeoutSeconds  = 300
	DefaultDispatcherConcurrency  = 4
	DefaultDispatcherStdoutCap    = 64 * 1024
	DefaultDispatcherStderrCap    = 64 * 1024
	DefaultDaemonShutdownTimeout  = "30s"
	DefaultDaemonHealthCheckIntvl = "30s"
	DefaultDaemonStaleLockTTL     = "15m"
	DefaultCatchupPageLimit       = 100
	EnvCloudURL                   = "METARELAY_SUPABASE_URL"
	EnvCloudKey                   = "METARELAY_SUPABASE_KEY"
)

// Load builds a Config by layering: hardcoded defaults, then the YAML file
// named by the "config" flag (or $HOME/.metarelay/config.yaml if unset),
// then environment variables, then CLI flags. cmd may be nil (e.g. in
// tests), in which case flag-derived sources are skipped.
func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"db_path":                     DefaultDBPath,
		"log_level":                   DefaultLogLevel,
		"dispatcher.concurrency":      DefaultDispatcherConcurrency,
		"dispatcher.stdout_cap_bytes": DefaultDispatcherStdoutCap,
		"dispatcher.stderr_cap_bytes": DefaultDispatcherStderrCap,
		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval": DefaultDaemonHealthCheckIntvl,
		"daemon.stale_lock_ttl":        DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".metarelay", "config.yaml")
		}
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", configPath, err)
			}
		}
	}

	k.Load(env.Provider("METARELAY_", ".", func(s string) string {
		switch s {
		case EnvCloudURL:
			return "cloud.url"
		case EnvCloudKey:
			return "cloud.key"
		default:
			return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "METARELAY_")), "_", ".", -1)
		}
	}), nil)

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	repos, err := parseRepos(k.Get("repos"))
	if err != nil {
		return nil, fmt.Errorf("parse repos: %w", err)
	}
	cfg.Repos = repos

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Handlers {
		if cfg.Handlers[i].TimeoutSeconds <= 0 {
			cfg.Handlers[i].TimeoutSeconds = DefaultHandlerTimeoutSeconds
		}
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	dbPath, err := pathutil.Expand(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("expand db_path: %w", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	workspacePath, err := pathutil.Expand(cfg.Daemon.WorkspacePath)
	if err != nil {
		return fmt.Errorf("expand daemon.workspace_path: %w", err)
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	for i := range cfg.Repos {
		if cfg.Repos[i].Path == "" {
			continue
		}
		p, err := pathutil.Expand(cfg.Repos[i].Path)
		if err != nil {
			return fmt.Errorf("expand repos[%d].path: %w", i, err)
		}
		cfg.Repos[i].Path = p
	}

	return nil
}

// HandlerEnabled reports whether a handler is enabled, treating an absent
// "enabled" key as true (matches HandlerConfig's documented default).
func HandlerEnabled(h HandlerConfig) bool {
	return h.Enabled == nil || *h.Enabled
}

// parseRepos accepts the "repos" key in either of its two documented
// shapes per entry: a bare name string, or a {name, path} map. koanf's
// struct unmarshal can't express that union, so this walks the raw
// value itself.
func parseRepos(raw interface{}) ([]RepoConfig, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("repos must be a list, got %T", raw)
	}

	repos := make([]RepoConfig, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			if v == "" {
				return nil, fmt.Errorf("repos[%d]: empty name", i)
			}
			repos = append(repos, RepoConfig{Name: v})
		case map[string]interface{}:
			name, _ := v["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("repos[%d]: missing name", i)
			}
			path, _ := v["path"].(string)
			repos = append(repos, RepoConfig{Name: name, Path: path})
		default:
			return nil, fmt.Errorf("repos[%d]: unsupported entry type %T", i, item)
		}
	}
	return repos, nil
}
