package runqueue

import (
	"time"

	"github.com/ocx/backend/internal/engineapi"
)

// runTicker re-emits full RunListChanged and QueueChanged snapshots at a
// coarse interval so any listener that missed a fine-grained event can
// reconcile.
func (e *Engine) runTicker() {
	defer e.doneWG.Done()
	t := time.NewTicker(e.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			e.emitReconcileSnapshots()
		}
	}
}

func (e *Engine) emitReconcileSnapshots() {
	e.state.itemsMu.Lock()
	itemsSnap := e.snapshotItemsLocked()
	e.state.itemsMu.Unlock()

	e.state.queueMu.Lock()
	queueSnap := append([]uint64(nil), e.state.queue...)
	e.state.queueMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventRunListChanged, Items: itemsSnap})
	e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
}
