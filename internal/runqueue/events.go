package runqueue

import "github.com/ocx/backend/internal/engineapi"

// Subscribe returns a channel receiving every event the engine emits and an
// Unsubscribe func to stop receiving and release the channel. Multiple
// subscribers may be registered concurrently: local listeners and, when
// serving remotely, every authenticated client.
func (e *Engine) Subscribe() (<-chan engineapi.Event, engineapi.Unsubscribe) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan engineapi.Event, 64)
	e.subs[id] = ch
	e.subMu.Unlock()

	return ch, func() {
		e.subMu.Lock()
		if existing, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(existing)
		}
		e.subMu.Unlock()
	}
}

// emit publishes ev to every current subscriber. It must never be called
// while holding itemsMu, queueMu, or workersMu: every event is built from a
// snapshot taken under the relevant lock and published only after release.
func (e *Engine) emit(ev engineapi.Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// A slow subscriber must not stall the engine; the periodic
			// reconciliation tick republishes full snapshots so a subscriber
			// that drops an event can catch up.
		}
	}
}
