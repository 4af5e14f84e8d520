package runqueue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/logcapture"
	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqerrors"
)

// QueueSnapshot returns a copy of queue order.
func (e *Engine) QueueSnapshot(ctx context.Context) ([]uint64, error) {
	e.state.queueMu.Lock()
	defer e.state.queueMu.Unlock()
	return append([]uint64(nil), e.state.queue...), nil
}

// ItemsSnapshot returns a deep copy of the items map.
func (e *Engine) ItemsSnapshot(ctx context.Context) (map[uint64]queueitem.Item, error) {
	e.state.itemsMu.Lock()
	defer e.state.itemsMu.Unlock()
	return e.snapshotItemsLocked(), nil
}

// CommandLineInfo returns, per item with an associated log file, its name,
// path, current file size, and whether it is presently running.
func (e *Engine) CommandLineInfo(ctx context.Context) (map[uint64]engineapi.LogInfo, error) {
	e.state.itemsMu.Lock()
	paths := make(map[uint64]logPathEntry, len(e.state.logPaths))
	for id, p := range e.state.logPaths {
		paths[id] = p
	}
	e.state.itemsMu.Unlock()

	e.state.workersMu.Lock()
	running := make(map[uint64]bool, len(e.state.workers))
	for id := range e.state.workers {
		running[id] = true
	}
	e.state.workersMu.Unlock()

	out := make(map[uint64]engineapi.LogInfo, len(paths))
	for id, p := range paths {
		size := int64(0)
		if info, err := os.Stat(p.path); err == nil {
			size = info.Size()
		}
		out[id] = engineapi.LogInfo{
			Name:      p.name,
			Path:      p.path,
			FileSize:  size,
			IsRunning: running[id],
		}
	}
	return out, nil
}

// CommandLineOutput reads the item's log file directly; concurrency with a
// writing worker is accepted (a partial trailing line is acceptable).
func (e *Engine) CommandLineOutput(ctx context.Context, id uint64, seekEnd, maxBytes int64) (string, time.Time, error) {
	e.state.itemsMu.Lock()
	p, ok := e.state.logPaths[id]
	e.state.itemsMu.Unlock()
	if !ok {
		return "", time.Time{}, fmt.Errorf("command line output for item %d: %w", id, rqerrors.ErrNotFound)
	}
	return logcapture.TailFile(p.path, seekEnd, maxBytes)
}

// GetItemConfig returns the item's current config payload.
func (e *Engine) GetItemConfig(ctx context.Context, id uint64) ([]byte, error) {
	e.state.itemsMu.Lock()
	defer e.state.itemsMu.Unlock()
	item, ok := e.state.items[id]
	if !ok {
		return nil, fmt.Errorf("get config for item %d: %w", id, rqerrors.ErrNotFound)
	}
	return append([]byte(nil), item.Config...), nil
}

// SetItemConfig swaps the item's config payload, forbidden while Running.
func (e *Engine) SetItemConfig(ctx context.Context, id uint64, config []byte) error {
	e.state.itemsMu.Lock()
	item, ok := e.state.items[id]
	if !ok {
		e.state.itemsMu.Unlock()
		return fmt.Errorf("set config for item %d: %w", id, rqerrors.ErrNotFound)
	}
	if item.Status == queueitem.StatusRunning {
		e.state.itemsMu.Unlock()
		return fmt.Errorf("set config for item %d: %w", id, rqerrors.ErrConfigurationIsFirm)
	}
	item.Config = append([]byte(nil), config...)
	e.state.items[id] = item
	itemCopy := item.Clone()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})
	return nil
}
