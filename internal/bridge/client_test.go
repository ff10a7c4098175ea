package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*hostClient, *recorder, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	rec := &recorder{}
	c := newHostClient(testLogger(), rec, dir, newPermissionBroker(), time.Second)
	return c, rec, dir
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	got, ok := rpcCode(err)
	require.True(t, ok, "not a JSON-RPC error: %v", err)
	assert.Equal(t, code, got)
}

func TestDispatchUpdate(t *testing.T) {
	t.Run("message and thought chunks", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.UpdateAgentMessageText("hi"))
		c.dispatchUpdate("s1", acp.UpdateAgentThoughtText("hmm"))

		assert.Equal(t, []Event{
			ContentChunk{SessionID: "s1", Content: Content{Type: ContentText, Text: "hi"}},
			ThoughtChunk{SessionID: "s1", Content: Content{Type: ContentText, Text: "hmm"}},
		}, rec.all())
	})

	t.Run("tool lifecycle", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId:    "t1",
			Title:         "Run tests",
			Kind:          acp.ToolKindExecute,
			Status:        acp.ToolCallStatusPending,
			RawInput:      map[string]any{"command": "go test"},
			SessionUpdate: "tool_call",
		}})
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId:    "t1",
			Status:        acp.Ptr(acp.ToolCallStatusInProgress),
			SessionUpdate: "tool_call_update",
		}})
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId:    "t1",
			Status:        acp.Ptr(acp.ToolCallStatusFailed),
			RawOutput:     "boom",
			SessionUpdate: "tool_call_update",
		}})

		events := rec.all()
		require.Len(t, events, 3)

		start := events[0].(ToolStart)
		assert.Equal(t, "Run tests", start.Title)
		assert.Equal(t, "execute", start.ToolKind)
		assert.Equal(t, map[string]any{"command": "go test"}, start.RawInput)

		progress := events[1].(ToolComplete)
		assert.Equal(t, "Run tests", progress.Title)
		assert.Equal(t, "in_progress", progress.Status)

		// The first update consumed the title.
		done := events[2].(ToolComplete)
		assert.Empty(t, done.Title)
		assert.Equal(t, "failed", done.Status)
		assert.Equal(t, "boom", done.RawOutput)

		assert.Empty(t, c.toolTitles)
	})

	t.Run("update without a status completes the tool", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId:    "t2",
			Title:         "Read main.go",
			Kind:          acp.ToolKindRead,
			SessionUpdate: "tool_call",
		}})
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId:    "t2",
			SessionUpdate: "tool_call_update",
		}})

		events := rec.all()
		require.Len(t, events, 2)
		done := events[1].(ToolComplete)
		assert.Equal(t, "Read main.go", done.Title)
		assert.Empty(t, done.Status)
		assert.Empty(t, c.toolTitles)
	})

	t.Run("update title wins", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId:    "t3",
			Title:         acp.Ptr("Search repo"),
			Status:        acp.Ptr(acp.ToolCallStatusCompleted),
			SessionUpdate: "tool_call_update",
		}})
		require.Len(t, rec.all(), 1)
		assert.Equal(t, "Search repo", rec.all()[0].(ToolComplete).Title)
	})

	t.Run("completion for an unknown tool", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.SessionUpdate{ToolCallUpdate: &acp.SessionToolCallUpdate{
			ToolCallId:    "ghost",
			Status:        acp.Ptr(acp.ToolCallStatusCompleted),
			SessionUpdate: "tool_call_update",
		}})

		require.Len(t, rec.all(), 1)
		assert.Equal(t, "", rec.all()[0].(ToolComplete).Title)
	})

	t.Run("unhandled update is ignored", func(t *testing.T) {
		c, rec, _ := newTestClient(t)
		c.dispatchUpdate("s1", acp.SessionUpdate{})
		assert.Empty(t, rec.all())
	})
}

func TestContentFrom(t *testing.T) {
	decode := func(t *testing.T, raw string) acp.ContentBlock {
		t.Helper()
		var block acp.ContentBlock
		require.NoError(t, json.Unmarshal([]byte(raw), &block))
		return block
	}

	t.Run("image", func(t *testing.T) {
		got, ok := contentFrom(decode(t, `{"type":"image","data":"aGk=","mimeType":"image/png"}`))
		require.True(t, ok)
		assert.Equal(t, Content{Type: ContentImage, Data: "aGk=", MimeType: "image/png"}, got)
	})

	t.Run("resource link", func(t *testing.T) {
		got, ok := contentFrom(decode(t, `{"type":"resource_link","uri":"file:///a.go","name":"a.go"}`))
		require.True(t, ok)
		assert.Equal(t, Content{Type: ContentResourceLink, URI: "file:///a.go", Name: "a.go"}, got)
	})

	t.Run("audio is unsupported", func(t *testing.T) {
		_, ok := contentFrom(decode(t, `{"type":"audio","data":"AAAA","mimeType":"audio/wav"}`))
		assert.False(t, ok)
	})
}

func TestReadTextFile(t *testing.T) {
	c, _, dir := newTestClient(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one\ntwo\nthree\nfour"), 0o644))

	t.Run("whole file by relative path", func(t *testing.T) {
		resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "notes.txt"})
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\nthree\nfour", resp.Content)
	})

	t.Run("line window", func(t *testing.T) {
		resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{
			Path:  filepath.Join(dir, "notes.txt"),
			Line:  acp.Ptr(2),
			Limit: acp.Ptr(2),
		})
		require.NoError(t, err)
		assert.Equal(t, "two\nthree", resp.Content)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "absent.txt"})
		requireCode(t, err, codeResourceNotFound)
	})

	t.Run("outside the workspace", func(t *testing.T) {
		_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "../../etc/passwd"})
		requireCode(t, err, codeInvalidParams)
	})
}

// linkedWorkspace returns a symlink to a fresh directory, the directory's
// real path, and a real directory outside it.
func linkedWorkspace(t *testing.T) (link, resolved, outside string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need elevated rights on windows")
	}
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	resolved = filepath.Join(base, "real")
	outside = filepath.Join(base, "outside")
	require.NoError(t, os.Mkdir(resolved, 0o755))
	require.NoError(t, os.Mkdir(outside, 0o755))
	link = filepath.Join(base, "link")
	require.NoError(t, os.Symlink(resolved, link))
	return link, resolved, outside
}

func TestResolvePathSymlinks(t *testing.T) {
	ctx := context.Background()

	t.Run("real path of a linked workspace", func(t *testing.T) {
		link, resolved, _ := linkedWorkspace(t)
		c := newHostClient(testLogger(), &recorder{}, link, newPermissionBroker(), time.Second)

		_, err := c.WriteTextFile(ctx, acp.WriteTextFileRequest{Path: filepath.Join(resolved, "a.txt"), Content: "a"})
		require.NoError(t, err)

		resp, err := c.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: filepath.Join(resolved, "a.txt")})
		require.NoError(t, err)
		assert.Equal(t, "a", resp.Content)

		resp, err = c.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: filepath.Join(link, "a.txt")})
		require.NoError(t, err)
		assert.Equal(t, "a", resp.Content)
	})

	t.Run("symlink leading out of the workspace", func(t *testing.T) {
		_, resolved, outside := linkedWorkspace(t)
		require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
		require.NoError(t, os.Symlink(outside, filepath.Join(resolved, "esc")))
		c := newHostClient(testLogger(), &recorder{}, resolved, newPermissionBroker(), time.Second)

		_, err := c.ReadTextFile(ctx, acp.ReadTextFileRequest{Path: "esc/secret"})
		requireCode(t, err, codeInvalidParams)

		_, err = c.WriteTextFile(ctx, acp.WriteTextFileRequest{Path: "esc/new/file.txt", Content: "x"})
		requireCode(t, err, codeInvalidParams)
		assert.NoDirExists(t, filepath.Join(outside, "new"))
	})

	t.Run("dangling symlink", func(t *testing.T) {
		_, resolved, outside := linkedWorkspace(t)
		require.NoError(t, os.Symlink(filepath.Join(outside, "later.txt"), filepath.Join(resolved, "later.txt")))
		c := newHostClient(testLogger(), &recorder{}, resolved, newPermissionBroker(), time.Second)

		_, err := c.WriteTextFile(ctx, acp.WriteTextFileRequest{Path: "later.txt", Content: "x"})
		requireCode(t, err, codeInvalidParams)
		assert.NoFileExists(t, filepath.Join(outside, "later.txt"))
	})
}

func TestWriteTextFile(t *testing.T) {
	c, rec, dir := newTestClient(t)

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		SessionId: "s1",
		Path:      "pkg/new/file.go",
		Content:   "package new\n",
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "pkg", "new", "file.go")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package new\n", string(data))
	assert.Equal(t, []Event{UIAction{SessionID: "s1", Action: actionFileChanged, Path: path}}, rec.all())

	_, err = c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: "/elsewhere/x", Content: "x"})
	requireCode(t, err, codeInvalidParams)
}

func TestTerminalMethodsNotFound(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateTerminal(ctx, acp.CreateTerminalRequest{})
	requireCode(t, err, codeMethodNotFound)
	_, err = c.TerminalOutput(ctx, acp.TerminalOutputRequest{})
	requireCode(t, err, codeMethodNotFound)
	_, err = c.ReleaseTerminal(ctx, acp.ReleaseTerminalRequest{})
	requireCode(t, err, codeMethodNotFound)
	_, err = c.WaitForTerminalExit(ctx, acp.WaitForTerminalExitRequest{})
	requireCode(t, err, codeMethodNotFound)
	_, err = c.KillTerminalCommand(ctx, acp.KillTerminalCommandRequest{})
	requireCode(t, err, codeMethodNotFound)
}

func TestSliceLines(t *testing.T) {
	content := "a\nb\nc"
	assert.Equal(t, content, sliceLines(content, 0, 0))
	assert.Equal(t, "b\nc", sliceLines(content, 2, 0))
	assert.Equal(t, "a", sliceLines(content, 0, 1))
	assert.Equal(t, "", sliceLines(content, 10, 1))
}
