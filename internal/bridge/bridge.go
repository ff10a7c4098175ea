// Package bridge runs one ACP agent subprocess on behalf of a host
// application. A single worker goroutine owns the process, the protocol
// connection, and the session; the Bridge methods queue commands for it and
// the host receives everything else as Events.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sebastianm/agentbridge/internal/registry"
)

// Bridge is the host-facing API. It is safe for concurrent use and
// outlives any number of agent sessions.
type Bridge struct {
	log      *slog.Logger
	registry *registry.Registry
	sink     EventSink
	perms    *permissionBroker
	snap     *snapshot

	cmds      chan command
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the worker goroutine. Events go to sink; a nil sink discards
// them.
func New(log *slog.Logger, reg *registry.Registry, sink EventSink, opts Options) *Bridge {
	if sink == nil {
		sink = discardSink{}
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		log:      log,
		registry: reg,
		sink:     sink,
		perms:    newPermissionBroker(),
		snap:     &snapshot{},
		cmds:     make(chan command, commandQueueSize),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	w := &worker{
		log:   log,
		opts:  opts,
		sink:  sink,
		perms: b.perms,
		snap:  b.snap,
		ctx:   ctx,
	}
	go func() {
		defer close(b.done)
		w.run(b.cmds)
	}()
	return b
}

// Close stops any running agent and the worker. Later calls return ErrClosed.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
	return nil
}

// DetectAgents returns the catalog with installed state refreshed, at most
// once per minute.
func (b *Bridge) DetectAgents(ctx context.Context) []registry.AgentConfig {
	return b.registry.DetectInstalled(ctx)
}

// StartAgent launches agentID in workspace and opens a session, resuming
// sessionID when given and supported. A running agent is stopped first.
// An empty workspace means the current directory.
func (b *Bridge) StartAgent(ctx context.Context, agentID, workspace, sessionID string) (AgentStatus, error) {
	agent, ok := b.registry.Get(agentID)
	if !ok {
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	dir, err := resolveWorkspace(workspace)
	if err != nil {
		return AgentStatus{}, err
	}

	return submit(ctx, b, func(ch chan reply[AgentStatus]) command {
		return initializeCmd{agent: agent, workspace: dir, sessionID: sessionID, reply: ch}
	})
}

func resolveWorkspace(workspace string) (string, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}
		workspace = wd
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("resolving workspace %s: %w", workspace, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", abs)
	}
	// Agents learn their directory from getcwd, which reports the real path.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving workspace %s: %w", abs, err)
	}
	return resolved, nil
}

// SendPrompt starts a turn and returns once it is under way. The outcome
// arrives as a PromptComplete or AgentError event. Only one turn may run
// at a time.
func (b *Bridge) SendPrompt(ctx context.Context, text string) error {
	_, err := submit(ctx, b, func(ch chan reply[struct{}]) command {
		return sendPromptCmd{text: text, reply: ch}
	})
	return err
}

// RespondToPermission answers a PermissionRequest event. Answers for
// requests that already timed out or were cancelled are ignored.
func (b *Bridge) RespondToPermission(_ context.Context, resp PermissionResponse) error {
	if !b.perms.resolve(resp) {
		b.log.Debug("no pending permission request", "request_id", resp.RequestID)
	}
	return nil
}

// SetSessionMode switches the active session's mode.
func (b *Bridge) SetSessionMode(ctx context.Context, modeID string) error {
	_, err := submit(ctx, b, func(ch chan reply[struct{}]) command {
		return setModeCmd{modeID: modeID, reply: ch}
	})
	return err
}

// CancelPrompt asks the agent to stop the running turn. It does not wait for
// the turn to end.
func (b *Bridge) CancelPrompt(ctx context.Context) error {
	_, err := submit(ctx, b, func(ch chan reply[struct{}]) command {
		return cancelPromptCmd{reply: ch}
	})
	return err
}

// StopAgent stops the running agent, if any, and emits SessionComplete for
// its session. Calling it with nothing running succeeds.
func (b *Bridge) StopAgent(ctx context.Context) error {
	sessionID, err := submit(ctx, b, func(ch chan reply[string]) command {
		return stopCmd{reply: ch}
	})
	if err != nil {
		return err
	}
	if sessionID != "" {
		b.sink.Emit(SessionComplete{SessionID: sessionID})
	}
	return nil
}

// Status returns the latest worker snapshot.
func (b *Bridge) Status() AgentStatus {
	st, _ := b.snap.get()
	return st
}

// SessionModes returns the active session's modes, if the agent reported any.
func (b *Bridge) SessionModes() (ModeState, bool) {
	_, modes := b.snap.get()
	if modes == nil {
		return ModeState{}, false
	}
	return *modes, true
}

// submit queues a command and waits for its reply. A full queue blocks the
// caller rather than dropping the command. Cancelling ctx abandons the wait
// but not a command already queued.
func submit[T any](ctx context.Context, b *Bridge, build func(chan reply[T]) command) (T, error) {
	var zero T
	ch := make(chan reply[T], 1)

	select {
	case b.cmds <- build(ch):
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
		return zero, ErrClosed
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-b.done:
		select {
		case r := <-ch:
			return r.val, r.err
		default:
			return zero, ErrClosed
		}
	}
}
