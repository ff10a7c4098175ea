package bridge

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/sebastianm/agentbridge/internal/procutil"
	"github.com/sebastianm/agentbridge/internal/registry"
)

// launchSpec is everything needed to start one agent.
type launchSpec struct {
	agent     registry.AgentConfig
	workspace string
}

// launchFunc starts an agent and connects client to it. The default is
// launchSubprocess; tests substitute an in-process agent.
type launchFunc func(log *slog.Logger, spec launchSpec, client acp.Client) (*agentConn, error)

// agentConn is a running agent plus the protocol connection to it. Only
// the worker goroutine holds one.
type agentConn struct {
	conn *acp.ClientSideConnection

	// exited is closed once the agent is gone; exitErr is valid after that.
	exited  <-chan struct{}
	exitErr func() error

	// shutdown asks the agent to exit, forces it after grace, and stops the
	// connection's reader. It is safe to call more than once.
	shutdown func(grace time.Duration)
}

// alive polls for exit without blocking.
func (c *agentConn) alive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

func launchSubprocess(log *slog.Logger, spec launchSpec, client acp.Client) (*agentConn, error) {
	command := spec.agent.Command()
	cmd := exec.Command(command, spec.agent.Args...)
	cmd.Env = procutil.MergeEnv(spec.agent.Env)
	cmd.Dir = spec.workspace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	// os.Pipe rather than StdoutPipe: Wait must not close the read side
	// while the connection may still be reading buffered output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := procutil.StartWithCleanup(cmd); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	// The child holds its own copies now.
	stdoutW.Close()
	stderrW.Close()

	log = log.With("pid", cmd.Process.Pid)
	log.Info("agent process started", "command", command, "args", spec.agent.Args, "dir", spec.workspace)

	go drainStderr(log, stderrR)

	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		log.Info("agent process exited", "error", waitErr)
		close(exited)
	}()

	conn := acp.NewClientSideConnection(client, stdin, stdoutR)
	conn.SetLogger(log.With("component", "acp"))

	return &agentConn{
		conn:    conn,
		exited:  exited,
		exitErr: func() error { return waitErr },
		shutdown: func(grace time.Duration) {
			_ = stdin.Close()
			select {
			case <-exited:
			case <-time.After(grace):
				log.Debug("agent did not exit after stdin closed, killing")
				_ = cmd.Process.Kill()
				<-exited
			}
			_ = stdoutR.Close()
		},
	}, nil
}

// drainStderr logs the agent's stderr line by line until it is closed.
// Nothing read here affects control flow.
func drainStderr(log *slog.Logger, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug(scanner.Text(), "stream", "stderr")
	}
	if err := scanner.Err(); err != nil {
		log.Debug("stderr reader stopped", "error", err)
	}
}
