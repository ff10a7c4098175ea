package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	envPath     = "AGENTBRIDGE_CONFIG"
	defaultPath = "agentbridge.json"
)

// Duration is a time.Duration that reads and writes Go duration strings
// such as "90s" or "2m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// TimeoutsConfig bounds the protocol steps. Zero values use the bridge
// defaults.
type TimeoutsConfig struct {
	Handshake     Duration `json:"handshake"`
	SlowHandshake Duration `json:"slowHandshake"`
	Session       Duration `json:"session"`
	Auth          Duration `json:"auth"`
	Permission    Duration `json:"permission"`
}

// AgentOverride changes how a catalog agent is launched.
type AgentOverride struct {
	// BinaryPath replaces discovery with a fixed executable.
	BinaryPath string `json:"binaryPath"`

	// Args, when non-nil, replace the catalog arguments.
	Args []string `json:"args"`

	// Env is merged over the catalog environment.
	Env map[string]string `json:"env"`
}

// Config is the top-level configuration for agentbridge.
type Config struct {
	LogLevel     string                   `json:"logLevel"`
	DatabasePath string                   `json:"databasePath"`
	CatalogPath  string                   `json:"catalogPath"`
	AutoApprove  bool                     `json:"autoApprove"`
	Agents       map[string]AgentOverride `json:"agents"`
	Timeouts     TimeoutsConfig           `json:"timeouts"`
}

// Parse reads a JSON config file and returns the parsed Config.
// The file path is taken from AGENTBRIDGE_CONFIG env var, defaulting to
// "agentbridge.json". A missing default file yields the defaults; a missing
// file named by the env var is an error.
func Parse() (*Config, error) {
	path := os.Getenv(envPath)
	explicit := path != ""
	if !explicit {
		path = defaultPath
	}

	cfg := &Config{
		LogLevel:     "info",
		DatabasePath: defaultDatabasePath(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath()
	}

	return cfg, nil
}

// Level maps LogLevel onto a slog level.
func (c *Config) Level() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}

// defaultDatabasePath is $XDG_STATE_HOME/agentbridge/agentbridge.db, with
// the usual ~/.local/state fallback.
func defaultDatabasePath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "agentbridge", "agentbridge.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "agentbridge", "agentbridge.db")
}
