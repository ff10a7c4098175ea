package bridge

import (
	"encoding/json"
	"slices"
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// AgentStatus is the externally visible state of the worker. The zero value
// means no agent is running.
type AgentStatus struct {
	AgentID       string `json:"agentId,omitempty"`
	Running       bool   `json:"running"`
	SessionActive bool   `json:"sessionActive"`
	Initialized   bool   `json:"initialized"`
	SessionID     string `json:"sessionId,omitempty"`
}

// SessionMode is one mode an agent session can run in.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeState is the mode information of the active session.
type ModeState struct {
	CurrentModeID  string        `json:"currentModeId,omitempty"`
	AvailableModes []SessionMode `json:"availableModes"`
}

func (m ModeState) clone() ModeState {
	m.AvailableModes = slices.Clone(m.AvailableModes)
	return m
}

// Has reports whether id is one of the available modes.
func (m ModeState) Has(id string) bool {
	return slices.ContainsFunc(m.AvailableModes, func(s SessionMode) bool { return s.ID == id })
}

// modeStateFrom converts the protocol's mode state. The round trip through
// JSON keeps this independent of how optional fields are represented.
func modeStateFrom(s *acp.SessionModeState) (*ModeState, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out ModeState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// snapshot is the single-writer, multi-reader view of worker state. Only
// the worker goroutine calls set.
type snapshot struct {
	mu     sync.Mutex
	status AgentStatus
	modes  *ModeState
}

func (s *snapshot) set(status AgentStatus, modes *ModeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	if modes != nil {
		c := modes.clone()
		modes = &c
	}
	s.modes = modes
}

func (s *snapshot) get() (AgentStatus, *ModeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modes == nil {
		return s.status, nil
	}
	c := s.modes.clone()
	return s.status, &c
}
