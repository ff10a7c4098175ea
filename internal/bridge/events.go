package bridge

import (
	"log/slog"

	acp "github.com/coder/acp-go-sdk"
)

// EventKind names an Event variant.
type EventKind string

const (
	KindContentChunk        EventKind = "content_chunk"
	KindThoughtChunk        EventKind = "thought_chunk"
	KindToolStart           EventKind = "tool_start"
	KindToolComplete        EventKind = "tool_complete"
	KindPermissionRequest   EventKind = "permission_request"
	KindSessionComplete     EventKind = "session_complete"
	KindError               EventKind = "error"
	KindStatusChanged       EventKind = "status_changed"
	KindSlashCommandsUpdate EventKind = "slash_commands_update"
	KindPlanUpdate          EventKind = "plan_update"
	KindSessionModeUpdate   EventKind = "session_mode_update"
	KindCurrentModeUpdate   EventKind = "current_mode_update"
	KindPromptComplete      EventKind = "prompt_complete"
	KindUIAction            EventKind = "ui_action"
)

// Event is delivered to the host through an EventSink. The concrete types
// below are the only implementations.
type Event interface {
	Kind() EventKind
}

// EventSink receives every event the bridge produces. Emit is called from
// several goroutines and must not block for long.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// ContentType classifies a streamed content block.
type ContentType string

const (
	ContentText         ContentType = "text"
	ContentImage        ContentType = "image"
	ContentResourceLink ContentType = "resource_link"
)

// Content is a message chunk. Only the fields relevant to Type are set.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	URI      string      `json:"uri,omitempty"`
	Name     string      `json:"name,omitempty"`
}

type ContentChunk struct {
	SessionID string
	Content   Content
}

type ThoughtChunk struct {
	SessionID string
	Content   Content
}

type ToolStart struct {
	SessionID  string
	ToolCallID string
	Title      string
	ToolKind   string
	Status     string
	RawInput   any
}

type ToolComplete struct {
	SessionID  string
	ToolCallID string
	Title      string
	Status     string
	RawOutput  any
}

// PermissionOption is one choice offered with a permission request.
type PermissionOption struct {
	ID   string
	Name string
	Kind string
}

// PermissionRequest asks the host to approve a tool use. The host answers
// with Bridge.RespondToPermission using RequestID.
type PermissionRequest struct {
	SessionID      string
	RequestID      string
	PermissionType string
	Resource       string
	Description    string
	Options        []PermissionOption
}

type SessionComplete struct {
	SessionID string
}

// AgentError reports a failure that has no caller to return to, such as a
// crashed agent or a failed prompt turn.
type AgentError struct {
	SessionID string
	Message   string
}

type StatusChanged struct {
	Status AgentStatus
}

// SlashCommand is a command the agent advertises for the prompt input.
type SlashCommand struct {
	Name        string
	Description string
}

type SlashCommandsUpdate struct {
	SessionID string
	Commands  []SlashCommand
}

// PlanEntry is one step of the agent's execution plan.
type PlanEntry struct {
	Content  string
	Priority string
	Status   string
}

type PlanUpdate struct {
	SessionID string
	Entries   []PlanEntry
}

type SessionModeUpdate struct {
	SessionID string
	Modes     ModeState
}

type CurrentModeUpdate struct {
	SessionID string
	ModeID    string
}

type PromptComplete struct {
	SessionID  string
	StopReason StopReason
}

// UIAction asks the host to refresh part of its UI, e.g. after the agent
// wrote a file.
type UIAction struct {
	SessionID string
	Action    string
	Path      string
}

const actionFileChanged = "file_changed"

func (ContentChunk) Kind() EventKind        { return KindContentChunk }
func (ThoughtChunk) Kind() EventKind        { return KindThoughtChunk }
func (ToolStart) Kind() EventKind           { return KindToolStart }
func (ToolComplete) Kind() EventKind        { return KindToolComplete }
func (PermissionRequest) Kind() EventKind   { return KindPermissionRequest }
func (SessionComplete) Kind() EventKind     { return KindSessionComplete }
func (AgentError) Kind() EventKind          { return KindError }
func (StatusChanged) Kind() EventKind       { return KindStatusChanged }
func (SlashCommandsUpdate) Kind() EventKind { return KindSlashCommandsUpdate }
func (PlanUpdate) Kind() EventKind          { return KindPlanUpdate }
func (SessionModeUpdate) Kind() EventKind   { return KindSessionModeUpdate }
func (CurrentModeUpdate) Kind() EventKind   { return KindCurrentModeUpdate }
func (PromptComplete) Kind() EventKind      { return KindPromptComplete }
func (UIAction) Kind() EventKind            { return KindUIAction }

// StopReason is why a prompt turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// normalizeStopReason maps the agent's stop reason onto the closed set the
// host understands. Unknown values are treated as a normal end of turn.
func normalizeStopReason(log *slog.Logger, r acp.StopReason) StopReason {
	switch StopReason(r) {
	case StopEndTurn, StopMaxTokens, StopMaxTurnRequests, StopRefusal, StopCancelled:
		return StopReason(r)
	default:
		log.Warn("unknown stop reason", "reason", string(r))
		return StopEndTurn
	}
}

// discardSink drops events; used when the host passes a nil sink.
type discardSink struct{}

func (discardSink) Emit(Event) {}

