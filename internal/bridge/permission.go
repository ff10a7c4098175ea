package bridge

import (
	"sync"

	acp "github.com/coder/acp-go-sdk"
)

// PermissionResponse is the host's answer to a PermissionRequest event.
type PermissionResponse struct {
	RequestID string
	Approved  bool
	Cancelled bool
}

// permissionBroker correlates pending request_permission calls with host
// decisions. Each pending request gets a channel with room for exactly one
// answer, so resolving never blocks.
type permissionBroker struct {
	mu      sync.Mutex
	pending map[string]chan PermissionResponse
}

func newPermissionBroker() *permissionBroker {
	return &permissionBroker{pending: make(map[string]chan PermissionResponse)}
}

func (b *permissionBroker) open(requestID string) <-chan PermissionResponse {
	ch := make(chan PermissionResponse, 1)
	b.mu.Lock()
	b.pending[requestID] = ch
	b.mu.Unlock()
	return ch
}

func (b *permissionBroker) forget(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	b.mu.Unlock()
}

// resolve delivers resp to its waiter. It reports false when nothing is
// waiting, which happens after a timeout or shutdown and is harmless.
func (b *permissionBroker) resolve(resp PermissionResponse) bool {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	delete(b.pending, resp.RequestID)
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// cancelAll answers every pending request with a cancellation.
func (b *permissionBroker) cancelAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending)
	for id, ch := range b.pending {
		select {
		case ch <- PermissionResponse{RequestID: id, Cancelled: true}:
		default:
		}
		delete(b.pending, id)
	}
	return n
}

// selectOutcome turns a host decision into the option the agent sees.
// Approval prefers allow-once over allow-always and rejection prefers
// reject-once over reject-always; either falls back to the first option.
func selectOutcome(options []acp.PermissionOption, resp PermissionResponse) acp.RequestPermissionOutcome {
	if resp.Cancelled || len(options) == 0 {
		return acp.NewRequestPermissionOutcomeCancelled()
	}

	preferred := []acp.PermissionOptionKind{acp.PermissionOptionKindRejectOnce, acp.PermissionOptionKindRejectAlways}
	if resp.Approved {
		preferred = []acp.PermissionOptionKind{acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindAllowAlways}
	}
	for _, kind := range preferred {
		for _, opt := range options {
			if opt.Kind == kind {
				return acp.NewRequestPermissionOutcomeSelected(opt.OptionId)
			}
		}
	}
	return acp.NewRequestPermissionOutcomeSelected(options[0].OptionId)
}
