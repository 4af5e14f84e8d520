package runqueue

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqerrors"
)

// PersistRecord is the tuple persisted across restarts: items, queue
// order, and the next-id counter. gob is used rather than the wire
// protocol's Pickle type, since Pickle is scoped to engine-API calls and
// events and must never carry arbitrary executable payloads; gob is a
// schema-checked stdlib codec with no code execution surface.
type PersistRecord struct {
	Items  map[uint64]queueitem.Item
	Queue  []uint64
	NextID uint64
}

// SnapshotForPersist atomically captures items+queue+next_id. If any item
// is Running and saveRunningAsStopped is false, it fails HasRunningItems.
// If true, each running item is rewritten *in the returned snapshot only*
// (never in live state) to Stopped with a synthetic stderr and dt_done.
func (e *Engine) SnapshotForPersist(saveRunningAsStopped bool) (PersistRecord, error) {
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()
	defer e.state.queueMu.Unlock()
	defer e.state.itemsMu.Unlock()

	hasRunning := false
	for _, it := range e.state.items {
		if it.Status == queueitem.StatusRunning {
			hasRunning = true
			break
		}
	}
	if hasRunning && !saveRunningAsStopped {
		return PersistRecord{}, rqerrors.ErrHasRunningItems
	}

	items := make(map[uint64]queueitem.Item, len(e.state.items))
	now := time.Now()
	for id, it := range e.state.items {
		cp := it.Clone()
		if cp.Status == queueitem.StatusRunning {
			cp.Status = queueitem.StatusStopped
			cp.Stderr = "running at snapshot"
			cp.DtDone = &now
		}
		items[id] = cp
	}

	return PersistRecord{
		Items:  items,
		Queue:  append([]uint64(nil), e.state.queue...),
		NextID: e.state.nextID,
	}, nil
}

// LoadFromRecord replaces items, queue, and next_id atomically and emits
// ResetTriggered so listeners re-fetch everything.
func (e *Engine) LoadFromRecord(rec PersistRecord) error {
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()

	items := make(map[uint64]queueitem.Item, len(rec.Items))
	for id, it := range rec.Items {
		items[id] = it.Clone()
	}
	e.state.items = items
	e.state.logPaths = make(map[uint64]logPathEntry)
	e.state.queue = append([]uint64(nil), rec.Queue...)
	e.state.nextID = rec.NextID

	e.state.queueMu.Unlock()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventResetTriggered})
	return nil
}

// SaveToFile encodes rec with encoding/gob and writes it to path.
func SaveToFile(path string, rec PersistRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("runqueue: encode persist record: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadFromFile decodes a PersistRecord previously written by SaveToFile.
func LoadFromFile(path string) (PersistRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PersistRecord{}, err
	}
	var rec PersistRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return PersistRecord{}, fmt.Errorf("runqueue: decode persist record: %w", err)
	}
	return rec, nil
}
