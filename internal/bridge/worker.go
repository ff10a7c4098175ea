package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/sebastianm/agentbridge/internal/registry"
)

// command is a request processed by the worker loop. Every command carries
// a reply channel with room for one value, so the worker never blocks on a
// caller that stopped waiting.
type command interface {
	isCommand()
}

type reply[T any] struct {
	val T
	err error
}

type initializeCmd struct {
	agent     registry.AgentConfig
	workspace string
	sessionID string
	reply     chan reply[AgentStatus]
}

type sendPromptCmd struct {
	text  string
	reply chan reply[struct{}]
}

type setModeCmd struct {
	modeID string
	reply  chan reply[struct{}]
}

type cancelPromptCmd struct {
	reply chan reply[struct{}]
}

// stopCmd replies with the id of the session it tore down, or "" when
// nothing was running.
type stopCmd struct {
	reply chan reply[string]
}

func (initializeCmd) isCommand()   {}
func (sendPromptCmd) isCommand()   {}
func (setModeCmd) isCommand()      {}
func (cancelPromptCmd) isCommand() {}
func (stopCmd) isCommand()         {}

// worker is the single goroutine that owns the agent process, its protocol
// connection, and session state. Everything else talks to it through cmds
// and reads its state through snap.
type worker struct {
	log   *slog.Logger
	opts  Options
	sink  EventSink
	perms *permissionBroker
	snap  *snapshot

	// ctx lives as long as the bridge.
	ctx context.Context

	state   State
	sess    *session
	prompts sync.WaitGroup
}

func (w *worker) run(cmds <-chan command) {
	ticker := time.NewTicker(w.opts.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			if w.sess != nil {
				w.teardown()
			}
			w.publish()
			w.prompts.Wait()
			return
		case cmd := <-cmds:
			w.handle(cmd)
		case <-ticker.C:
			w.checkHealth()
		}
		w.publish()
	}
}

func (w *worker) handle(cmd command) {
	switch c := cmd.(type) {
	case initializeCmd:
		st, err := w.initialize(c)
		c.reply <- reply[AgentStatus]{val: st, err: err}
	case sendPromptCmd:
		c.reply <- reply[struct{}]{err: w.sendPrompt(c.text)}
	case setModeCmd:
		c.reply <- reply[struct{}]{err: w.setMode(c.modeID)}
	case cancelPromptCmd:
		c.reply <- reply[struct{}]{err: w.cancelPrompt()}
	case stopCmd:
		c.reply <- reply[string]{val: w.stop()}
	default:
		w.log.Error("unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}

func (w *worker) transition(to State) {
	if w.state == to {
		return
	}
	w.log.Debug("state transition", "from", w.state, "to", to)
	w.state = to
}

// publish rewrites the shared snapshot from worker state.
func (w *worker) publish() {
	if w.sess == nil {
		w.snap.set(AgentStatus{}, nil)
		return
	}
	w.snap.set(w.sess.status(), w.sess.modes)
}

func (w *worker) initialize(cmd initializeCmd) (AgentStatus, error) {
	if w.sess != nil {
		w.log.Info("replacing running agent", "agent", w.sess.agentID, "session", w.sess.id)
		if old := w.stop(); old != "" {
			w.sink.Emit(SessionComplete{SessionID: old})
		}
	}

	log := w.log.With("agent", cmd.agent.ID)
	w.transition(StateConnecting)

	client := newHostClient(log, w.sink, cmd.workspace, w.perms, w.opts.PermissionTimeout)
	conn, err := w.opts.launch(log, launchSpec{agent: cmd.agent, workspace: cmd.workspace}, client)
	if err != nil {
		w.transition(StateUninitialized)
		return AgentStatus{}, fmt.Errorf("launching %s: %w", cmd.agent.ID, err)
	}

	sess, err := w.establish(log, conn, client, cmd)
	if err != nil {
		if !conn.alive() {
			err = fmt.Errorf("%w (agent exited: %v)", err, conn.exitErr())
		}
		conn.shutdown(0)
		w.perms.cancelAll()
		w.transition(StateUninitialized)
		log.Error("agent startup failed", "error", err)
		return AgentStatus{}, err
	}

	w.sess = sess
	w.transition(StateActive)
	w.publish()

	if sess.modes != nil {
		w.sink.Emit(SessionModeUpdate{SessionID: string(sess.id), Modes: sess.modes.clone()})
	}
	return sess.status(), nil
}

// establish runs the handshake and session resolution. The requests are
// abandoned as soon as the agent process exits.
func (w *worker) establish(log *slog.Logger, conn *agentConn, client *hostClient, cmd initializeCmd) (*session, error) {
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	go func() {
		select {
		case <-conn.exited:
			cancel()
		case <-ctx.Done():
		}
	}()

	timeout := w.opts.HandshakeTimeout
	if cmd.agent.IsSlowStart() {
		timeout = w.opts.SlowHandshakeTimeout
	}

	initResp, err := w.handshake(ctx, conn.conn, timeout)
	if err != nil {
		return nil, err
	}
	log.Info("agent handshake complete", "protocol_version", initResp.ProtocolVersion, "load_session", initResp.AgentCapabilities.LoadSession)

	res, err := w.resolveSession(ctx, log, conn.conn, initResp, cmd.workspace, cmd.sessionID)
	if err != nil {
		return nil, err
	}

	modes, err := modeStateFrom(res.modes)
	if err != nil {
		log.Warn("ignoring unreadable session modes", "error", err)
		modes = nil
	}

	sessCtx, sessCancel := context.WithCancel(w.ctx)
	return &session{
		agentID:   cmd.agent.ID,
		id:        res.id,
		workspace: cmd.workspace,
		conn:      conn,
		client:    client,
		modes:     modes,
		log:       log.With("session", res.id),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}, nil
}

// liveSession returns the active session, first reaping it if the agent
// has exited since the last health check.
func (w *worker) liveSession() (*session, error) {
	if w.sess == nil {
		return nil, ErrNoSession
	}
	if !w.sess.conn.alive() {
		w.handleExit()
		return nil, ErrNoSession
	}
	return w.sess, nil
}

func (w *worker) sendPrompt(text string) error {
	sess, err := w.liveSession()
	if err != nil {
		return err
	}
	if !sess.prompting.CompareAndSwap(false, true) {
		return ErrPromptInFlight
	}

	w.prompts.Add(1)
	go func() {
		defer w.prompts.Done()
		w.runPrompt(sess, text)
	}()
	return nil
}

// runPrompt executes one turn outside the worker loop. It only reports
// through events; a failure never reaches the worker.
func (w *worker) runPrompt(sess *session, text string) {
	sess.log.Debug("prompt started", "chars", len(text))
	resp, err := sess.conn.conn.Prompt(sess.ctx, acp.PromptRequest{
		SessionId: sess.id,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	sess.prompting.Store(false)

	if err != nil {
		if sess.ctx.Err() != nil {
			sess.log.Debug("prompt abandoned, session stopped")
			return
		}
		sess.log.Warn("prompt failed", "error", err)
		w.sink.Emit(AgentError{SessionID: string(sess.id), Message: fmt.Sprintf("prompt failed: %v", err)})
		return
	}

	reason := normalizeStopReason(sess.log, resp.StopReason)
	sess.log.Debug("prompt finished", "stop_reason", reason)
	w.sink.Emit(PromptComplete{SessionID: string(sess.id), StopReason: reason})
}

func (w *worker) setMode(modeID string) error {
	sess, err := w.liveSession()
	if err != nil {
		return err
	}
	if sess.modes != nil && !sess.modes.Has(modeID) {
		return fmt.Errorf("unknown session mode %q", modeID)
	}

	_, err = callWithTimeout(sess.ctx, w.opts.SessionTimeout, func(ctx context.Context) (acp.SetSessionModeResponse, error) {
		return sess.conn.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
			SessionId: sess.id,
			ModeId:    acp.SessionModeId(modeID),
		})
	})
	if err != nil {
		return fmt.Errorf("setting mode %s: %w", modeID, err)
	}

	if sess.modes != nil {
		sess.modes.CurrentModeID = modeID
	}
	w.sink.Emit(CurrentModeUpdate{SessionID: string(sess.id), ModeID: modeID})
	return nil
}

// cancelPrompt asks the agent to end the current turn. The running prompt
// finishes on its own once the agent answers with a cancelled stop reason.
func (w *worker) cancelPrompt() error {
	sess, err := w.liveSession()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(sess.ctx, w.opts.SessionTimeout)
	defer cancel()
	if err := sess.conn.conn.Cancel(ctx, acp.CancelNotification{SessionId: sess.id}); err != nil {
		return fmt.Errorf("cancelling prompt: %w", err)
	}
	sess.log.Debug("cancel sent")
	return nil
}

func (w *worker) stop() string {
	if w.sess == nil {
		return ""
	}
	id := string(w.sess.id)
	w.teardown()
	w.publish()
	w.sink.Emit(StatusChanged{Status: AgentStatus{}})
	return id
}

// teardown stops the agent and forgets the session. Pending permission
// requests resolve as cancelled.
func (w *worker) teardown() {
	sess := w.sess
	w.sess = nil
	w.transition(StateStopping)

	sess.cancel()
	if n := w.perms.cancelAll(); n > 0 {
		sess.log.Debug("cancelled pending permission requests", "count", n)
	}
	sess.conn.shutdown(w.opts.stopGrace)
	sess.log.Info("agent stopped")

	w.transition(StateUninitialized)
}

func (w *worker) checkHealth() {
	if w.sess == nil || w.sess.conn.alive() {
		return
	}
	w.handleExit()
}

// handleExit reaps a session whose agent process exited on its own.
func (w *worker) handleExit() {
	sess := w.sess
	exitErr := sess.conn.exitErr()
	sess.log.Warn("agent process exited unexpectedly", "error", exitErr)

	w.teardown()
	w.publish()

	msg := "agent process exited"
	if exitErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, exitErr)
	}
	w.sink.Emit(AgentError{SessionID: string(sess.id), Message: msg})
	w.sink.Emit(StatusChanged{Status: AgentStatus{}})
}
