package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/sebastianm/agentbridge/internal/registry"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recorder is an EventSink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	return len(r.ofKind(kind))
}

// waitFor polls until an event of kind arrives and returns the first one.
func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		events := r.ofKind(kind)
		if len(events) == 0 {
			return false
		}
		found = events[0]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no %s event", kind)
	return found
}

func authRequired() error {
	return &acp.RequestError{Code: codeAuthRequired, Message: "Authentication required"}
}

// promptFunc scripts one turn. conn sends updates and permission requests
// back to the host.
type promptFunc func(ctx context.Context, conn *acp.AgentSideConnection, req acp.PromptRequest, cancelled <-chan struct{}) (acp.PromptResponse, error)

// fakeAgent is an in-process ACP agent with scriptable behavior.
type fakeAgent struct {
	sessionID   acp.SessionId
	modes       *acp.SessionModeState
	authMethods []acp.AuthMethod
	prompt      promptFunc

	// authRequiredFor counts how many NewSession calls fail with "auth
	// required" before one succeeds.
	authRequiredFor atomic.Int32
	loadErr         error
	blockInit       bool

	conn *acp.AgentSideConnection
	gone <-chan struct{}

	mu        sync.Mutex
	calls     []string
	turn      chan struct{}
	lastModes []acp.SessionModeId
}

var _ acp.Agent = (*fakeAgent)(nil)

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessionID: "session-1"}
}

func (a *fakeAgent) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAgent) called() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAgent) countCalls(name string) int {
	n := 0
	for _, c := range a.called() {
		if c == name {
			n++
		}
	}
	return n
}

func (a *fakeAgent) Initialize(ctx context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.record("initialize")
	if a.blockInit {
		select {
		case <-ctx.Done():
		case <-a.gone:
		}
		return acp.InitializeResponse{}, errors.New("initialize abandoned")
	}
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
		},
		AuthMethods: a.authMethods,
		AgentInfo: &acp.Implementation{
			Name:    "fake-agent",
			Version: "1.0.0",
		},
	}, nil
}

func (a *fakeAgent) Authenticate(context.Context, acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	a.record("authenticate")
	return acp.AuthenticateResponse{}, nil
}

func (a *fakeAgent) NewSession(context.Context, acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	a.record("session/new")
	if a.authRequiredFor.Load() > 0 {
		a.authRequiredFor.Add(-1)
		return acp.NewSessionResponse{}, authRequired()
	}
	return acp.NewSessionResponse{SessionId: a.sessionID, Modes: a.modes}, nil
}

func (a *fakeAgent) LoadSession(context.Context, acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	a.record("session/load")
	if a.loadErr != nil {
		return acp.LoadSessionResponse{}, a.loadErr
	}
	return acp.LoadSessionResponse{Modes: a.modes}, nil
}

func (a *fakeAgent) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	// The turn is registered before the call is visible to tests so a
	// cancel that follows can always find it.
	cancelled := make(chan struct{})
	a.mu.Lock()
	a.turn = cancelled
	a.calls = append(a.calls, "session/prompt")
	a.mu.Unlock()

	if a.prompt == nil {
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}
	return a.prompt(ctx, a.conn, req, cancelled)
}

func (a *fakeAgent) Cancel(context.Context, acp.CancelNotification) error {
	a.record("session/cancel")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turn != nil {
		close(a.turn)
		a.turn = nil
	}
	return nil
}

func (a *fakeAgent) SetSessionMode(_ context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	a.record("session/set_mode")
	a.mu.Lock()
	a.lastModes = append(a.lastModes, req.ModeId)
	a.mu.Unlock()
	return acp.SetSessionModeResponse{}, nil
}

// fakeProcess is the in-process stand-in for an agent subprocess.
type fakeProcess struct {
	pipes    []io.Closer
	exited   chan struct{}
	once     sync.Once
	exitErr  error
	shutdown atomic.Int32
}

// exit simulates the process going away with err.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		for _, c := range p.pipes {
			_ = c.Close()
		}
		close(p.exited)
	})
}

// launcher hands out fakeProcesses connected to agents built by newAgent.
type launcher struct {
	newAgent func() *fakeAgent

	mu       sync.Mutex
	procs    []*fakeProcess
	agents   []*fakeAgent
	launches atomic.Int32
}

func newLauncher(agent *fakeAgent) *launcher {
	return &launcher{newAgent: func() *fakeAgent { return agent }}
}

func (l *launcher) launch(log *slog.Logger, _ launchSpec, client acp.Client) (*agentConn, error) {
	l.launches.Add(1)
	agent := l.newAgent()

	clientToAgentR, clientToAgentW := io.Pipe()
	agentToClientR, agentToClientW := io.Pipe()

	conn := acp.NewClientSideConnection(client, clientToAgentW, agentToClientR)
	conn.SetLogger(log.With("side", "client"))

	agentSide := acp.NewAgentSideConnection(agent, agentToClientW, clientToAgentR)
	agentSide.SetLogger(log.With("side", "agent"))
	agent.conn = agentSide

	proc := &fakeProcess{
		pipes:  []io.Closer{clientToAgentR, clientToAgentW, agentToClientR, agentToClientW},
		exited: make(chan struct{}),
	}
	agent.gone = proc.exited

	l.mu.Lock()
	l.procs = append(l.procs, proc)
	l.agents = append(l.agents, agent)
	l.mu.Unlock()

	return &agentConn{
		conn:    conn,
		exited:  proc.exited,
		exitErr: func() error { return proc.exitErr },
		shutdown: func(time.Duration) {
			proc.shutdown.Add(1)
			proc.exit(nil)
		},
	}, nil
}

func (l *launcher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *launcher) failing(err error) launchFunc {
	return func(*slog.Logger, launchSpec, acp.Client) (*agentConn, error) {
		l.launches.Add(1)
		return nil, err
	}
}

var errSpawn = errors.New("spawn failed")

func testRegistry() *registry.Registry {
	return registry.New(testLogger(),
		registry.AgentConfig{ID: "fake", Name: "Fake", Binary: "fake-agent"},
		registry.AgentConfig{ID: "codex-cli", Name: "Codex CLI", Binary: "codex"},
	)
}

func testOptions(launch launchFunc) Options {
	return Options{
		HandshakeTimeout:  time.Second,
		SessionTimeout:    time.Second,
		AuthTimeout:       time.Second,
		PermissionTimeout: time.Second,
		healthInterval:    10 * time.Millisecond,
		stopGrace:         10 * time.Millisecond,
		launch:            launch,
	}
}

// newTestBridge starts a bridge on l and closes it when the test ends.
func newTestBridge(t *testing.T, l *launcher, opts Options) (*Bridge, *recorder) {
	t.Helper()
	if opts.launch == nil {
		opts.launch = l.launch
	}
	rec := &recorder{}
	b := New(testLogger(), testRegistry(), rec, opts)
	t.Cleanup(func() { _ = b.Close() })
	return b, rec
}

func testModes() *acp.SessionModeState {
	return &acp.SessionModeState{
		CurrentModeId: "default",
		AvailableModes: []acp.SessionMode{
			{Id: "default", Name: "Default"},
			{Id: "plan", Name: "Plan"},
		},
	}
}
