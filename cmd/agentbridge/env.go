package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/sebastianm/agentbridge/internal/bridge"
	"github.com/sebastianm/agentbridge/internal/config"
	"github.com/sebastianm/agentbridge/internal/database"
	"github.com/sebastianm/agentbridge/internal/registry"
	"github.com/sebastianm/agentbridge/internal/sessionstore"
)

// env is what every subcommand needs: config, logger and agent catalog.
type env struct {
	cfg *config.Config
	log *slog.Logger
	reg *registry.Registry
}

func loadEnv() (*env, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg, err := buildRegistry(log, cfg)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, reg: reg}, nil
}

// buildRegistry merges the built-in catalog, the optional YAML catalog and
// per-agent overrides from config, in that order.
func buildRegistry(log *slog.Logger, cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New(log, registry.Builtin()...)

	if cfg.CatalogPath != "" {
		agents, err := registry.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		for _, a := range agents {
			reg.Add(a)
		}
		log.Debug("loaded agent catalog", "path", cfg.CatalogPath, "agents", len(agents))
	}

	for id, o := range cfg.Agents {
		a, ok := reg.Get(id)
		if !ok {
			return nil, fmt.Errorf("config overrides unknown agent %q", id)
		}
		reg.Add(applyOverride(a, o))
	}
	return reg, nil
}

func applyOverride(a registry.AgentConfig, o config.AgentOverride) registry.AgentConfig {
	if o.BinaryPath != "" {
		a.Binary = o.BinaryPath
	}
	if o.Args != nil {
		a.Args = append([]string(nil), o.Args...)
	}
	if len(o.Env) > 0 {
		merged := make(map[string]string, len(a.Env)+len(o.Env))
		maps.Copy(merged, a.Env)
		maps.Copy(merged, o.Env)
		a.Env = merged
	}
	return a
}

func (e *env) bridgeOptions() bridge.Options {
	t := e.cfg.Timeouts
	return bridge.Options{
		HandshakeTimeout:     time.Duration(t.Handshake),
		SlowHandshakeTimeout: time.Duration(t.SlowHandshake),
		SessionTimeout:       time.Duration(t.Session),
		AuthTimeout:          time.Duration(t.Auth),
		PermissionTimeout:    time.Duration(t.Permission),
		ClientName:           "agentbridge",
		ClientVersion:        version,
	}
}

// openStore opens the session database. The caller closes it.
func (e *env) openStore(ctx context.Context) (*sessionstore.Store, func() error, error) {
	db, err := database.Open(ctx, e.cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if v, err := database.SchemaVersion(ctx, db); err == nil {
		e.log.Debug("session database ready", "path", e.cfg.DatabasePath, "schema", v)
	}
	return sessionstore.New(db), db.Close, nil
}
