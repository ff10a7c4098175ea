// Package eventbus fans bridge events out to any number of subscribers.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/sebastianm/agentbridge/internal/bridge"
)

// DefaultBuffer is the per-subscriber channel capacity used by Subscribe.
const DefaultBuffer = 256

// Bus is a bridge.EventSink. Emit never blocks: a subscriber that falls
// behind loses its oldest buffered event.
type Bus struct {
	log *slog.Logger

	mu          sync.Mutex
	subscribers map[chan bridge.Event]struct{}
	closed      bool
}

var _ bridge.EventSink = (*Bus)(nil)

func New(log *slog.Logger) *Bus {
	return &Bus{
		log:         log,
		subscribers: make(map[chan bridge.Event]struct{}),
	}
}

// Subscribe returns a channel that receives every event emitted from now
// on. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe() chan bridge.Event {
	return b.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (b *Bus) SubscribeBuffered(size int) chan bridge.Event {
	if size < 1 {
		size = 1
	}
	ch := make(chan bridge.Event, size)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan bridge.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Emit delivers e to every subscriber. A full subscriber loses its oldest
// event, but never a PermissionRequest: the agent waits on the answer.
func (b *Bus) Emit(e bridge.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.makeRoom(ch, e)
		}
	}
}

// makeRoom requeues the contents of the full channel ch plus e, minus the
// oldest event that may be dropped. Emitters hold b.mu and the subscriber
// only receives, so the requeue always fits.
func (b *Bus) makeRoom(ch chan bridge.Event, e bridge.Event) {
	queued := make([]bridge.Event, 0, cap(ch)+1)
drain:
	for {
		select {
		case old := <-ch:
			queued = append(queued, old)
		default:
			break drain
		}
	}
	queued = append(queued, e)

	drop := 0
	for i, ev := range queued {
		if !mustDeliver(ev) {
			drop = i
			break
		}
	}
	if len(queued) > cap(ch) {
		dropped := queued[drop]
		queued = append(queued[:drop], queued[drop+1:]...)
		if mustDeliver(dropped) {
			b.log.Error("subscriber too slow, dropped permission request", "kind", dropped.Kind())
		} else {
			b.log.Warn("subscriber too slow, dropped event", "kind", dropped.Kind())
		}
	}

	for _, ev := range queued {
		select {
		case ch <- ev:
		default:
			b.log.Error("subscriber buffer overflow", "kind", ev.Kind())
		}
	}
}

func mustDeliver(e bridge.Event) bool {
	_, ok := e.(bridge.PermissionRequest)
	return ok
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel and later events are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
