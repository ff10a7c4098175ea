package bridge

import (
	"encoding/json"
	"fmt"

	acp "github.com/coder/acp-go-sdk"
)

// dispatchUpdate turns one streamed session update into host events. Kinds
// the host has no use for, including ones added to the protocol later, are
// logged and dropped.
func (c *hostClient) dispatchUpdate(sessionID string, u acp.SessionUpdate) {
	log := c.log.With("session", sessionID)

	switch {
	case u.AgentMessageChunk != nil:
		content, ok := contentFrom(u.AgentMessageChunk.Content)
		if !ok {
			log.Debug("dropping unsupported message content")
			return
		}
		c.sink.Emit(ContentChunk{SessionID: sessionID, Content: content})

	case u.AgentThoughtChunk != nil:
		content, ok := contentFrom(u.AgentThoughtChunk.Content)
		if !ok {
			log.Debug("dropping unsupported thought content")
			return
		}
		c.sink.Emit(ThoughtChunk{SessionID: sessionID, Content: content})

	case u.ToolCall != nil:
		tc := u.ToolCall
		log.Debug("tool call", "tool_call_id", tc.ToolCallId, "title", tc.Title, "kind", tc.Kind, "status", tc.Status, "input", formatRaw(tc.RawInput))
		c.rememberTool(tc.ToolCallId, tc.Title)
		c.sink.Emit(ToolStart{
			SessionID:  sessionID,
			ToolCallID: string(tc.ToolCallId),
			Title:      tc.Title,
			ToolKind:   string(tc.Kind),
			Status:     string(tc.Status),
			RawInput:   tc.RawInput,
		})

	case u.ToolCallUpdate != nil:
		c.dispatchToolUpdate(sessionID, u.ToolCallUpdate)

	case u.CurrentModeUpdate != nil:
		log.Debug("mode changed", "mode", u.CurrentModeUpdate.CurrentModeId)
		c.sink.Emit(CurrentModeUpdate{SessionID: sessionID, ModeID: string(u.CurrentModeUpdate.CurrentModeId)})

	case u.Plan != nil:
		entries := make([]PlanEntry, 0, len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			entries = append(entries, PlanEntry{
				Content:  e.Content,
				Priority: string(e.Priority),
				Status:   string(e.Status),
			})
		}
		log.Debug("plan update", "entries", len(entries))
		c.sink.Emit(PlanUpdate{SessionID: sessionID, Entries: entries})

	case u.AvailableCommandsUpdate != nil:
		cmds := make([]SlashCommand, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, cmd := range u.AvailableCommandsUpdate.AvailableCommands {
			cmds = append(cmds, SlashCommand{Name: cmd.Name, Description: cmd.Description})
		}
		log.Debug("available commands", "count", len(cmds))
		c.sink.Emit(SlashCommandsUpdate{SessionID: sessionID, Commands: cmds})

	default:
		log.Debug("ignoring session update")
	}
}

// dispatchToolUpdate consumes the tool's side table entry and reports the
// update as ToolComplete. Status tells progress apart from a final result.
func (c *hostClient) dispatchToolUpdate(sessionID string, tu *acp.SessionToolCallUpdate) {
	status := ""
	if tu.Status != nil {
		status = string(*tu.Status)
	}
	c.log.Debug("tool call update", "session", sessionID, "tool_call_id", tu.ToolCallId, "status", status, "output", formatRaw(tu.RawOutput))

	title := c.takeTool(tu.ToolCallId)
	if tu.Title != nil && *tu.Title != "" {
		title = *tu.Title
	}
	c.sink.Emit(ToolComplete{
		SessionID:  sessionID,
		ToolCallID: string(tu.ToolCallId),
		Title:      title,
		Status:     status,
		RawOutput:  tu.RawOutput,
	})
}

// contentBlockView decodes the discriminated JSON form of a content block.
type contentBlockView struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
	URI      string `json:"uri"`
	Name     string `json:"name"`
}

// contentFrom converts text, image and resource-link blocks. Other block
// types report false.
func contentFrom(block acp.ContentBlock) (Content, bool) {
	if block.Text != nil {
		return Content{Type: ContentText, Text: block.Text.Text}, true
	}

	data, err := json.Marshal(block)
	if err != nil {
		return Content{}, false
	}
	var view contentBlockView
	if err := json.Unmarshal(data, &view); err != nil {
		return Content{}, false
	}

	switch ContentType(view.Type) {
	case ContentImage:
		return Content{Type: ContentImage, Data: view.Data, MimeType: view.MimeType, URI: view.URI}, true
	case ContentResourceLink:
		return Content{Type: ContentResourceLink, URI: view.URI, Name: view.Name, MimeType: view.MimeType}, true
	default:
		return Content{}, false
	}
}

// formatRaw renders a raw tool payload for logs, capped at 200 bytes.
func formatRaw(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return truncate(s, 200)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return truncate(fmt.Sprintf("%v", v), 200)
	}
	return truncate(string(b), 200)
}
