package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

// hostClient implements acp.Client: the calls an agent makes back into the
// host. One is created per agent process.
type hostClient struct {
	log               *slog.Logger
	sink              EventSink
	workspace         string
	root              string // workspace with symlinks resolved
	perms             *permissionBroker
	permissionTimeout time.Duration
	newRequestID      func() string

	mu         sync.Mutex
	toolTitles map[acp.ToolCallId]string
}

var _ acp.Client = (*hostClient)(nil)

func newHostClient(log *slog.Logger, sink EventSink, workspace string, perms *permissionBroker, permissionTimeout time.Duration) *hostClient {
	root, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		root = filepath.Clean(workspace)
	}
	return &hostClient{
		log:               log,
		sink:              sink,
		workspace:         workspace,
		root:              root,
		perms:             perms,
		permissionTimeout: permissionTimeout,
		newRequestID:      func() string { return uuid.New().String() },
		toolTitles:        make(map[acp.ToolCallId]string),
	}
}

// RequestPermission emits a PermissionRequest and waits for the host's
// answer. It runs on the connection's handler goroutine, never the worker,
// so a slow decision does not hold up other commands.
func (c *hostClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	requestID := c.newRequestID()
	ch := c.perms.open(requestID)
	defer c.perms.forget(requestID)

	req := describePermission(p)
	req.SessionID = string(p.SessionId)
	req.RequestID = requestID
	c.log.Info("permission requested", "request_id", requestID, "tool_call_id", p.ToolCall.ToolCallId, "type", req.PermissionType)
	c.sink.Emit(req)

	timer := time.NewTimer(c.permissionTimeout)
	defer timer.Stop()

	var resp PermissionResponse
	select {
	case resp = <-ch:
	case <-timer.C:
		c.log.Warn("permission request timed out", "request_id", requestID, "timeout", c.permissionTimeout)
		resp = PermissionResponse{RequestID: requestID, Cancelled: true}
	case <-ctx.Done():
		resp = PermissionResponse{RequestID: requestID, Cancelled: true}
	}

	return acp.RequestPermissionResponse{Outcome: selectOutcome(p.Options, resp)}, nil
}

func describePermission(p acp.RequestPermissionRequest) PermissionRequest {
	tc := p.ToolCall
	req := PermissionRequest{PermissionType: "other"}
	if tc.Kind != nil && *tc.Kind != "" {
		req.PermissionType = string(*tc.Kind)
	}
	if tc.Title != nil {
		req.Description = *tc.Title
	}
	if len(tc.Locations) > 0 {
		req.Resource = tc.Locations[0].Path
	} else if tc.RawInput != nil {
		req.Resource = formatRaw(tc.RawInput)
	}
	for _, opt := range p.Options {
		req.Options = append(req.Options, PermissionOption{
			ID:   string(opt.OptionId),
			Name: opt.Name,
			Kind: string(opt.Kind),
		})
	}
	return req
}

func (c *hostClient) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	c.dispatchUpdate(string(n.SessionId), n.Update)
	return nil
}

// rememberTool records a tool's title; completion updates usually omit it.
func (c *hostClient) rememberTool(id acp.ToolCallId, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolTitles[id] = title
}

func (c *hostClient) takeTool(id acp.ToolCallId) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	title := c.toolTitles[id]
	delete(c.toolTitles, id)
	return title
}

func (c *hostClient) ReadTextFile(_ context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	path, err := c.resolvePath(req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return acp.ReadTextFileResponse{}, &acp.RequestError{Code: codeResourceNotFound, Message: "file not found: " + req.Path}
		}
		return acp.ReadTextFileResponse{}, internalError(fmt.Errorf("reading %s: %w", path, err))
	}

	line, limit := 0, 0
	if req.Line != nil {
		line = *req.Line
	}
	if req.Limit != nil {
		limit = *req.Limit
	}
	return acp.ReadTextFileResponse{Content: sliceLines(string(data), line, limit)}, nil
}

func (c *hostClient) WriteTextFile(_ context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	path, err := c.resolvePath(req.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acp.WriteTextFileResponse{}, internalError(fmt.Errorf("creating parent of %s: %w", path, err))
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, internalError(fmt.Errorf("writing %s: %w", path, err))
	}

	c.log.Debug("agent wrote file", "path", path, "bytes", len(req.Content))
	c.sink.Emit(UIAction{SessionID: string(req.SessionId), Action: actionFileChanged, Path: path})
	return acp.WriteTextFileResponse{}, nil
}

// resolvePath makes p absolute against the workspace, resolves symlinks
// and rejects paths whose resolved location is outside the workspace. The
// returned path is the resolved one.
func (c *hostClient) resolvePath(p string) (string, error) {
	if p == "" {
		return "", invalidParams("path is required")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.workspace, p)
	}
	p = filepath.Clean(p)

	resolved, err := realPath(p)
	if err != nil {
		return "", invalidParams(fmt.Sprintf("path %s cannot be resolved: %v", p, err))
	}
	rel, err := filepath.Rel(c.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalidParams(fmt.Sprintf("path %s is outside the workspace", p))
	}
	return resolved, nil
}

// realPath resolves symlinks in p. Trailing components that do not exist
// yet are kept as written below their nearest existing parent. A dangling
// symlink is an error, since writing through it would follow the link.
func realPath(p string) (string, error) {
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(p); lerr == nil {
			return "", fmt.Errorf("dangling symlink %s", p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		missing = append([]string{filepath.Base(p)}, missing...)
		p = parent
	}
}

// sliceLines returns limit lines starting at the 1-based line. Zero values
// mean from the start and to the end.
func sliceLines(content string, line, limit int) string {
	if line <= 0 && limit <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n")
}

// Terminals are not offered to agents yet.

func (c *hostClient) CreateTerminal(context.Context, acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, methodNotFound("terminal/create")
}

func (c *hostClient) KillTerminalCommand(context.Context, acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, methodNotFound("terminal/kill")
}

func (c *hostClient) TerminalOutput(context.Context, acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, methodNotFound("terminal/output")
}

func (c *hostClient) ReleaseTerminal(context.Context, acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, methodNotFound("terminal/release")
}

func (c *hostClient) WaitForTerminalExit(context.Context, acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, methodNotFound("terminal/wait_for_exit")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
