package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sebastianm/agentbridge/internal/bridge"
	"github.com/sebastianm/agentbridge/internal/eventbus"
	"github.com/sebastianm/agentbridge/internal/sessionstore"
	"github.com/spf13/cobra"
)

type chatFlags struct {
	workspace   string
	sessionID   string
	resume      bool
	autoApprove bool
}

func chatCmd() *cobra.Command {
	var f chatFlags

	cmd := &cobra.Command{
		Use:   "chat <agent-id>",
		Short: "Start an agent and chat with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.resume && f.sessionID != "" {
				return errors.New("--resume and --session are mutually exclusive")
			}
			e, err := loadEnv()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("auto-approve") {
				f.autoApprove = e.cfg.AutoApprove
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			return runChat(ctx, e, args[0], f, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&f.workspace, "workspace", "w", ".", "directory the agent works in")
	cmd.Flags().StringVar(&f.sessionID, "session", "", "resume this session id")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "resume the last session for this agent and workspace")
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "approve every permission request")
	return cmd
}

func runChat(ctx context.Context, e *env, agentID string, f chatFlags, in io.Reader, out, errOut io.Writer) error {
	workspace, err := filepath.Abs(f.workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}

	store, closeDB, err := e.openStore(ctx)
	if err != nil {
		e.log.Warn("session history unavailable", "error", err)
	} else {
		defer closeDB()
	}

	requested := f.sessionID
	if f.resume {
		if store == nil {
			return errors.New("--resume needs the session database")
		}
		requested, err = store.Last(ctx, agentID, workspace)
		if errors.Is(err, sessionstore.ErrNotFound) {
			return fmt.Errorf("no session remembered for %s in %s", agentID, workspace)
		}
		if err != nil {
			return err
		}
	}

	bus := eventbus.New(e.log)
	events := bus.Subscribe()
	b := bridge.New(e.log, e.reg, bus, e.bridgeOptions())
	defer bus.Close()
	defer b.Close()

	r := newRenderer(out, errOut)
	r.status("starting %s in %s", agentID, workspace)
	r.spin.start()
	st, err := b.StartAgent(ctx, agentID, workspace, requested)
	r.spin.stop()
	if err != nil {
		return err
	}
	if requested != "" && st.SessionID != requested {
		r.status("session %s could not be resumed, started %s", requested, st.SessionID)
	}
	r.status("session %s ready", st.SessionID)

	if store != nil {
		if err := store.Record(ctx, agentID, workspace, st.SessionID); err != nil {
			e.log.Warn("could not remember session", "error", err)
		}
	}

	c := &chat{b: b, r: r, autoApprove: f.autoApprove, commands: map[string]string{}}
	return c.loop(ctx, events, readLines(in))
}

// readLines scans in on its own goroutine. The channel closes at EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// chat is the REPL state. Every method runs on the loop goroutine.
type chat struct {
	b           *bridge.Bridge
	r           *renderer
	autoApprove bool

	busy     bool
	stopping bool
	pending  []bridge.PermissionRequest
	commands map[string]string
}

func (c *chat) loop(ctx context.Context, events <-chan bridge.Event, lines <-chan string) error {
	c.r.promptMarker()
	for {
		select {
		case <-ctx.Done():
			c.stop()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if done := c.handleEvent(ctx, ev); done {
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				c.stop()
				return nil
			}
			if quit := c.handleLine(ctx, strings.TrimSpace(line)); quit {
				c.stop()
				return nil
			}
		}
	}
}

// handleEvent renders ev and reports whether the chat is over.
func (c *chat) handleEvent(ctx context.Context, ev bridge.Event) bool {
	switch e := ev.(type) {
	case bridge.PermissionRequest:
		if c.autoApprove {
			c.r.status("permission: %s %s → auto-approved", e.PermissionType, e.Resource)
			c.respond(ctx, e.RequestID, true)
			return false
		}
		c.pending = append(c.pending, e)
		if len(c.pending) == 1 {
			c.r.permission(e)
		}
		return false
	case bridge.SlashCommandsUpdate:
		clear(c.commands)
		for _, cmd := range e.Commands {
			c.commands[cmd.Name] = cmd.Description
		}
		return false
	case bridge.PromptComplete:
		c.busy = false
		c.r.render(ev)
		c.r.promptMarker()
		return false
	case bridge.AgentError:
		c.busy = false
		c.r.render(ev)
		return false
	case bridge.StatusChanged:
		if !e.Status.Running && !c.stopping {
			c.r.status("agent stopped")
			return true
		}
		return false
	default:
		c.r.render(ev)
		return false
	}
}

// handleLine runs one line of input and reports whether to quit. REPL
// commands work even while a permission answer is pending.
func (c *chat) handleLine(ctx context.Context, line string) bool {
	name, arg, isCommand := parseSlashCommand(line)
	if isCommand {
		if quit, handled := c.runCommand(ctx, name, arg); handled {
			if !quit && len(c.pending) > 0 {
				c.r.permission(c.pending[0])
			}
			return quit
		}
	}

	if len(c.pending) > 0 {
		c.answerPermission(ctx, line)
		return false
	}
	if line == "" {
		c.r.promptMarker()
		return false
	}
	if isCommand {
		if _, known := c.commands[name]; !known {
			c.r.status("/%s is not an advertised agent command, sending anyway", name)
		}
	}

	if err := c.b.SendPrompt(ctx, line); err != nil {
		c.r.errorf("%v", err)
		if !c.busy {
			c.r.promptMarker()
		}
		return false
	}
	c.busy = true
	c.r.spin.start()
	return false
}

// runCommand runs a built-in REPL command. handled is false for names the
// REPL does not know; those go to the agent.
func (c *chat) runCommand(ctx context.Context, name, arg string) (quit, handled bool) {
	switch name {
	case "quit", "exit":
		return true, true
	case "stop":
		c.pending = nil
		c.stop()
		return true, true
	case "cancel":
		c.cancelPending(ctx)
		if err := c.b.CancelPrompt(ctx); err != nil {
			c.r.errorf("%v", err)
		}
		return false, true
	case "status":
		st := c.b.Status()
		c.r.status("agent=%s session=%s running=%t busy=%t", st.AgentID, st.SessionID, st.Running, c.busy)
		c.r.promptMarker()
		return false, true
	case "modes":
		c.printModes()
		return false, true
	case "mode":
		if arg == "" {
			c.r.errorf("usage: /mode <id>")
		} else if err := c.b.SetSessionMode(ctx, arg); err != nil {
			c.r.errorf("%v", err)
		}
		c.r.promptMarker()
		return false, true
	}
	return false, false
}

// cancelPending answers every queued permission request as cancelled.
func (c *chat) cancelPending(ctx context.Context) {
	if len(c.pending) == 0 {
		return
	}
	for _, p := range c.pending {
		err := c.b.RespondToPermission(ctx, bridge.PermissionResponse{RequestID: p.RequestID, Cancelled: true})
		if err != nil {
			c.r.errorf("%v", err)
		}
	}
	c.r.status("cancelled %d permission request(s)", len(c.pending))
	c.pending = nil
}

func (c *chat) answerPermission(ctx context.Context, line string) {
	var approved bool
	switch strings.ToLower(line) {
	case "y", "yes":
		approved = true
	case "n", "no":
	default:
		fmt.Fprint(c.r.errOut, "please answer y or n: ")
		return
	}

	req := c.pending[0]
	c.pending = c.pending[1:]
	c.respond(ctx, req.RequestID, approved)
	if len(c.pending) > 0 {
		c.r.permission(c.pending[0])
	} else {
		c.r.spin.start()
	}
}

func (c *chat) respond(ctx context.Context, requestID string, approved bool) {
	err := c.b.RespondToPermission(ctx, bridge.PermissionResponse{RequestID: requestID, Approved: approved})
	if err != nil {
		c.r.errorf("%v", err)
	}
}

func (c *chat) printModes() {
	modes, ok := c.b.SessionModes()
	if !ok {
		c.r.status("agent reported no session modes")
		c.r.promptMarker()
		return
	}
	for _, m := range modes.AvailableModes {
		marker := " "
		if m.ID == modes.CurrentModeID {
			marker = "*"
		}
		fmt.Fprintf(c.r.errOut, "%s %-12s %s\n", marker, m.ID, m.Description)
	}
	c.r.promptMarker()
}

func (c *chat) stop() {
	if c.stopping {
		return
	}
	c.stopping = true
	c.r.status("stopping agent")
	if err := c.b.StopAgent(context.Background()); err != nil {
		c.r.errorf("%v", err)
	}
}

func parseSlashCommand(input string) (name, arg string, ok bool) {
	if !strings.HasPrefix(input, "/") {
		return "", "", false
	}
	trimmed := strings.TrimSpace(strings.TrimPrefix(input, "/"))
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.SplitN(trimmed, " ", 2)
	name = strings.TrimSpace(parts[0])
	if name == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return name, arg, true
}
