package registry

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// discoveryTTL is how long a DetectInstalled result is reused before the
// filesystem is searched again.
const discoveryTTL = 60 * time.Second

// AgentConfig describes how to launch an ACP agent and what discovery found
// out about it.
type AgentConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Binary      string            `json:"binary" yaml:"binary"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`

	// SlowStart extends the handshake timeout for agents that need to
	// download or compile themselves on first launch.
	SlowStart bool `json:"slowStart,omitempty" yaml:"slowStart,omitempty"`

	// Discovery fields, refreshed by DetectInstalled.
	BinaryPath string `json:"binaryPath,omitempty" yaml:"-"`
	Installed  bool   `json:"installed" yaml:"-"`
}

// slowLaunchers are binaries that typically fetch the real agent before it
// can answer the handshake.
var slowLaunchers = map[string]bool{
	"npx":    true,
	"bunx":   true,
	"pnpm":   true,
	"uvx":    true,
	"gemini": true,
}

// Command returns the executable to spawn: the discovered path when known,
// otherwise the bare binary name for PATH lookup.
func (c AgentConfig) Command() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return c.Binary
}

// IsSlowStart reports whether the agent should get the extended handshake
// timeout, either because it is configured that way or because it is
// launched through a package runner.
func (c AgentConfig) IsSlowStart() bool {
	if c.SlowStart {
		return true
	}
	base := filepath.Base(c.Command())
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return slowLaunchers[strings.ToLower(base)]
}

func (c AgentConfig) clone() AgentConfig {
	c.Args = slices.Clone(c.Args)
	c.Env = maps.Clone(c.Env)
	return c
}

// lookupFunc resolves binary to an executable path, searching PATH and then
// dirs. The second return value is false when nothing was found.
type lookupFunc func(binary string, dirs []string) (string, bool)

// Registry is the catalog of known agents. Only DetectInstalled mutates the
// discovery fields of its entries.
type Registry struct {
	log    *slog.Logger
	lookup lookupFunc
	dirs   func() []string
	now    func() time.Time

	mu            sync.Mutex
	order         []string
	agents        map[string]AgentConfig
	lastDiscovery time.Time
}

// New returns a Registry holding agents, or the built-in catalog when none
// are given.
func New(log *slog.Logger, agents ...AgentConfig) *Registry {
	if len(agents) == 0 {
		agents = Builtin()
	}
	r := &Registry{
		log:    log,
		lookup: findBinary,
		dirs:   SearchDirs,
		now:    time.Now,
		agents: make(map[string]AgentConfig, len(agents)),
	}
	for _, a := range agents {
		r.Add(a)
	}
	return r
}

// Add inserts cfg, replacing any agent with the same id. Replacing keeps the
// agent's position in List order and invalidates the discovery cache.
func (r *Registry) Add(cfg AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[cfg.ID]; !ok {
		r.order = append(r.order, cfg.ID)
	}
	r.agents[cfg.ID] = cfg.clone()
	r.lastDiscovery = time.Time{}
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (AgentConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.agents[id]
	if !ok {
		return AgentConfig{}, false
	}
	return cfg.clone(), true
}

// List returns every known agent in catalog order.
func (r *Registry) List() []AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []AgentConfig {
	out := make([]AgentConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].clone())
	}
	return out
}

// DetectInstalled searches for every agent's binary and records whether it
// was found. Calls within discoveryTTL of the previous search return the
// cached result. Missing binaries are not an error; those agents simply
// report Installed=false.
func (r *Registry) DetectInstalled(ctx context.Context) []AgentConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastDiscovery.IsZero() && r.now().Sub(r.lastDiscovery) < discoveryTTL {
		return r.listLocked()
	}

	dirs := r.dirs()

	type result struct {
		id    string
		path  string
		found bool
	}

	var (
		wg      sync.WaitGroup
		results = make(chan result, len(r.order))
	)
	for _, id := range r.order {
		binary := r.agents[id].Binary
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctx.Err() != nil {
				results <- result{id: id}
				return
			}
			path, ok := r.lookup(binary, dirs)
			results <- result{id: id, path: path, found: ok}
		}()
	}
	wg.Wait()
	close(results)

	// A cancelled search is incomplete; keep what the last one found.
	if ctx.Err() != nil {
		r.log.Debug("agent discovery cancelled", "error", ctx.Err())
		return r.listLocked()
	}

	installed := 0
	for res := range results {
		cfg := r.agents[res.id]
		cfg.Installed = res.found
		cfg.BinaryPath = res.path
		r.agents[res.id] = cfg
		if res.found {
			installed++
		}
	}

	r.lastDiscovery = r.now()
	r.log.Debug("agent discovery finished", "known", len(r.order), "installed", installed)

	return r.listLocked()
}
