package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sebastianm/agentbridge/internal/bridge"
)

var (
	faint   = color.New(color.Faint)
	toolCol = color.New(color.FgCyan)
	permCol = color.New(color.FgYellow, color.Bold)
	errCol  = color.New(color.FgRed)
	okCol   = color.New(color.FgGreen)
)

// spinner shows a braille animation while the agent is working.
type spinner struct {
	w       io.Writer
	enabled bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{} // closed when goroutine exits
}

var spinFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func (s *spinner) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go func() {
		defer close(s.doneCh)
		i := 0
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				fmt.Fprint(s.w, "\r\033[K") // clear spinner line
				return
			case <-ticker.C:
				faint.Fprintf(s.w, "\r%s", spinFrames[i%len(spinFrames)])
				i++
			}
		}
	}()
}

func (s *spinner) stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done // wait for goroutine to clear the line
}

// renderer prints bridge events. Agent text goes to out, everything else
// to errOut. It is used from one goroutine only.
type renderer struct {
	out    io.Writer
	errOut io.Writer
	spin   *spinner

	// needsNewline is set when the last agent text did not end a line.
	needsNewline bool
}

func newRenderer(out, errOut io.Writer) *renderer {
	return &renderer{
		out:    out,
		errOut: errOut,
		spin:   &spinner{w: errOut, enabled: !color.NoColor},
	}
}

// ensureNewline prints a newline to out if the last agent text didn't end
// with one, so later status lines start clean.
func (r *renderer) ensureNewline() {
	if r.needsNewline {
		fmt.Fprintln(r.out)
		r.needsNewline = false
	}
}

func (r *renderer) status(format string, args ...any) {
	r.spin.stop()
	r.ensureNewline()
	faint.Fprintf(r.errOut, "["+format+"]\n", args...)
}

func (r *renderer) errorf(format string, args ...any) {
	r.spin.stop()
	r.ensureNewline()
	errCol.Fprintf(r.errOut, "error: "+format+"\n", args...)
}

func (r *renderer) promptMarker() {
	r.ensureNewline()
	fmt.Fprint(r.errOut, "\n> ")
}

func (r *renderer) render(ev bridge.Event) {
	switch e := ev.(type) {
	case bridge.ContentChunk:
		r.spin.stop()
		r.content(e.Content)
	case bridge.ThoughtChunk:
		r.spin.stop()
		if e.Content.Type == bridge.ContentText {
			faint.Fprint(r.errOut, e.Content.Text)
		}
	case bridge.ToolStart:
		r.spin.stop()
		r.ensureNewline()
		printToolHeader(r.errOut, e.Title, e.Status, e.ToolKind)
		printInput(r.errOut, e.RawInput)
		r.spin.start()
	case bridge.ToolComplete:
		r.spin.stop()
		r.ensureNewline()
		printToolHeader(r.errOut, e.Title, e.Status, "")
		printOutput(r.errOut, e.RawOutput)
		r.spin.start()
	case bridge.PlanUpdate:
		r.spin.stop()
		r.ensureNewline()
		faint.Fprintln(r.errOut, "plan:")
		for _, entry := range e.Entries {
			faint.Fprintf(r.errOut, "  %s %s\n", statusLabel(entry.Status), entry.Content)
		}
	case bridge.UIAction:
		r.status("%s: %s", e.Action, e.Path)
	case bridge.CurrentModeUpdate:
		r.status("mode: %s", e.ModeID)
	case bridge.SessionModeUpdate:
		r.status("mode: %s (available: %s)", e.Modes.CurrentModeID, modeIDs(e.Modes))
	case bridge.AgentError:
		r.errorf("%s", e.Message)
	case bridge.PromptComplete:
		r.spin.stop()
		r.ensureNewline()
		if e.StopReason != bridge.StopEndTurn {
			faint.Fprintf(r.errOut, "[turn ended: %s]\n", e.StopReason)
		}
	case bridge.SessionComplete:
		r.status("session %s complete", e.SessionID)
	}
}

func (r *renderer) content(c bridge.Content) {
	switch c.Type {
	case bridge.ContentText:
		fmt.Fprint(r.out, c.Text)
		r.needsNewline = c.Text != "" && !strings.HasSuffix(c.Text, "\n")
	case bridge.ContentImage:
		r.status("image %s", c.MimeType)
	case bridge.ContentResourceLink:
		r.status("resource %s", c.URI)
	}
}

func (r *renderer) permission(p bridge.PermissionRequest) {
	r.spin.stop()
	r.ensureNewline()
	permCol.Fprintf(r.errOut, "permission requested: %s", p.PermissionType)
	if p.Resource != "" {
		permCol.Fprintf(r.errOut, " %s", p.Resource)
	}
	fmt.Fprintln(r.errOut)
	if p.Description != "" {
		faint.Fprintf(r.errOut, "  %s\n", p.Description)
	}
	fmt.Fprint(r.errOut, "allow? [y/n] ")
}

func modeIDs(m bridge.ModeState) string {
	ids := make([]string, 0, len(m.AvailableModes))
	for _, mode := range m.AvailableModes {
		ids = append(ids, mode.ID)
	}
	return strings.Join(ids, ", ")
}

func statusLabel(s string) string {
	switch s {
	case "pending":
		return "⏳"
	case "in_progress":
		return "⚙️"
	case "completed":
		return okCol.Sprint("✓")
	case "failed":
		return errCol.Sprint("✗")
	default:
		return "…"
	}
}

func printToolHeader(w io.Writer, title, status, kind string) {
	kindStr := ""
	if kind != "" {
		kindStr = fmt.Sprintf(" (%s)", kind)
	}
	toolCol.Fprintf(w, "[tool: %s %s%s]\n", title, statusLabel(status), kindStr)
}

func printInput(w io.Writer, raw any) {
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := fmt.Sprintf("%v", m[k])
		if len(s) > 200 {
			s = s[:197] + "..."
		}
		// Indent multiline values.
		if strings.Contains(s, "\n") {
			faint.Fprintf(w, "  %s:\n", k)
			for _, line := range strings.Split(s, "\n") {
				faint.Fprintf(w, "    %s\n", line)
			}
		} else {
			faint.Fprintf(w, "  %s: %s\n", k, s)
		}
	}
}

func printOutput(w io.Writer, raw any) {
	if raw == nil {
		return
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return
	}
	s := string(b)
	if s == "null" || s == "{}" || s == `""` {
		return
	}
	if len(s) > 500 {
		s = s[:497] + "..."
	}
	faint.Fprintf(w, "  → %s\n", s)
}
