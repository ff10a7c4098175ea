package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
)

// State is a step in the lifecycle of the worker's agent session.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateHandshaking
	StateAuthenticating
	StateResolvingSession
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateResolvingSession:
		return "resolving_session"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// session is the live agent session. It is owned by the worker goroutine;
// prompt goroutines only read its immutable fields and flip prompting.
type session struct {
	agentID   string
	id        acp.SessionId
	workspace string
	conn      *agentConn
	client    *hostClient
	modes     *ModeState
	log       *slog.Logger

	// ctx is cancelled when the session is torn down.
	ctx    context.Context
	cancel context.CancelFunc

	// prompting guards the single turn allowed in flight.
	prompting atomic.Bool
}

func (s *session) status() AgentStatus {
	return AgentStatus{
		AgentID:       s.agentID,
		Running:       true,
		SessionActive: true,
		Initialized:   true,
		SessionID:     string(s.id),
	}
}

// sessionResult is what session resolution produced.
type sessionResult struct {
	id     acp.SessionId
	modes  *acp.SessionModeState
	loaded bool
}

// handshake negotiates protocol version and capabilities.
func (w *worker) handshake(ctx context.Context, conn *acp.ClientSideConnection, timeout time.Duration) (acp.InitializeResponse, error) {
	w.transition(StateHandshaking)
	resp, err := callWithTimeout(ctx, timeout, func(ctx context.Context) (acp.InitializeResponse, error) {
		return conn.Initialize(ctx, acp.InitializeRequest{
			ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
			ClientCapabilities: acp.ClientCapabilities{
				Fs: acp.FileSystemCapability{
					ReadTextFile:  true,
					WriteTextFile: true,
				},
				Terminal: true,
			},
			ClientInfo: &acp.Implementation{
				Name:    w.opts.ClientName,
				Version: w.opts.ClientVersion,
			},
		})
	})
	if err != nil {
		return acp.InitializeResponse{}, fmt.Errorf("handshake: %w", err)
	}
	return resp, nil
}

// resolveSession loads requested when given, falling back to a new session
// when the agent cannot resume it. Both paths authenticate at most once.
func (w *worker) resolveSession(ctx context.Context, log *slog.Logger, conn *acp.ClientSideConnection, initResp acp.InitializeResponse, workspace, requested string) (sessionResult, error) {
	w.transition(StateResolvingSession)
	auth := w.authenticator(conn, initResp.AuthMethods)

	if requested != "" {
		resp, err := withAuthRetry(ctx, w.opts.SessionTimeout, auth, func(ctx context.Context) (acp.LoadSessionResponse, error) {
			return conn.LoadSession(ctx, acp.LoadSessionRequest{
				SessionId:  acp.SessionId(requested),
				Cwd:        workspace,
				McpServers: []acp.McpServer{},
			})
		})
		switch {
		case err == nil:
			log.Info("session loaded", "session", requested)
			return sessionResult{id: acp.SessionId(requested), modes: resp.Modes, loaded: true}, nil
		case isSessionMissing(err):
			log.Info("session not resumable, creating a new one", "session", requested, "reason", err)
		default:
			return sessionResult{}, fmt.Errorf("loading session %s: %w", requested, err)
		}
	}

	resp, err := withAuthRetry(ctx, w.opts.SessionTimeout, auth, func(ctx context.Context) (acp.NewSessionResponse, error) {
		return conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        workspace,
			McpServers: []acp.McpServer{},
		})
	})
	if err != nil {
		return sessionResult{}, fmt.Errorf("creating session: %w", err)
	}
	log.Info("session created", "session", resp.SessionId)
	return sessionResult{id: resp.SessionId, modes: resp.Modes}, nil
}

// authenticator returns the step run when the agent answers "auth
// required": authenticate with the first advertised method.
func (w *worker) authenticator(conn *acp.ClientSideConnection, methods []acp.AuthMethod) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(methods) == 0 {
			return ErrNoAuthMethod
		}
		w.transition(StateAuthenticating)
		defer w.transition(StateResolvingSession)

		method := methods[0].Id
		w.log.Info("authenticating with agent", "method", method)
		_, err := callWithTimeout(ctx, w.opts.AuthTimeout, func(ctx context.Context) (acp.AuthenticateResponse, error) {
			return conn.Authenticate(ctx, acp.AuthenticateRequest{MethodId: method})
		})
		return err
	}
}

// withAuthRetry runs call. If the agent demands authentication, it runs
// authenticate once and retries call exactly once; a second demand is
// ErrAuthLoop.
func withAuthRetry[T any](ctx context.Context, timeout time.Duration, authenticate func(context.Context) error, call func(context.Context) (T, error)) (T, error) {
	var zero T

	res, err := callWithTimeout(ctx, timeout, call)
	if !isAuthRequired(err) {
		return res, err
	}

	if err := authenticate(ctx); err != nil {
		return zero, fmt.Errorf("authenticate: %w", err)
	}

	res, err = callWithTimeout(ctx, timeout, call)
	if isAuthRequired(err) {
		return zero, fmt.Errorf("%w: %w", ErrAuthLoop, err)
	}
	return res, err
}

// callWithTimeout bounds one request. A deadline hit is reported with the
// timeout that fired.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := call(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return res, err
}
