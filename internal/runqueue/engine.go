// Package runqueue implements the RunQueue engine: the queue item state
// machine, the worker-pool scheduler, per-item log capture wiring, event
// fan-out, and persistence. It is the centerpiece of the system.
package runqueue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/logcapture"
	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqerrors"
)

// Three logical locks guard engine state. Acquisition order when more than
// one is needed: itemsMu, then queueMu, then workersMu. Events are always
// computed from a consistent snapshot taken under the relevant lock(s) and
// published only after the lock is released.
type engineState struct {
	itemsMu sync.Mutex
	items   map[uint64]queueitem.Item
	logPaths map[uint64]logPathEntry

	queueMu sync.Mutex
	queue   []uint64

	workersMu sync.Mutex
	workers   map[uint64]runningWorker
	// stopRequested records items whose worker was terminated by Stop or
	// ForceStopAllRunning (as opposed to exiting on its own), and the
	// stderr message the reap step should record when it observes the
	// resulting WorkerResult.
	stopRequested map[uint64]string

	nextID uint64
}

type logPathEntry struct {
	name string
	path string
}

type runningWorker struct {
	handle WorkerHandle
	sink   *logcapture.Sink
}

// Config configures an Engine at construction.
type Config struct {
	PoolSize      int // -1 means unlimited
	LogDir        string
	CreateLogDir  bool
	Target        TargetFunc
	Spawner       WorkerSpawner // overrides Target/GoWorkerSpawner when set
	Logger        *slog.Logger
	TickInterval  time.Duration // default 1s
	PollInterval  time.Duration // supervisor idle sleep, default 50ms
}

// Engine is the RunQueue engine. It implements engineapi.EngineAPI so
// that local and remote callers share one contract.
type Engine struct {
	state engineState

	poolSizeMu sync.Mutex
	poolSize   int

	autoMu    sync.Mutex
	autoOn    bool

	logDir  string
	spawner WorkerSpawner
	logger  *slog.Logger

	logEvents chan logcapture.Record

	subMu sync.Mutex
	subs  map[int]chan engineapi.Event
	nextSub int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneWG   sync.WaitGroup

	tickInterval time.Duration
	pollInterval time.Duration
}

var _ engineapi.EngineAPI = (*Engine)(nil)

// New constructs an Engine from cfg and starts its background tasks: the
// worker-pool supervisor, the reconciliation ticker, and the log-event
// relay.
func New(cfg Config) (*Engine, error) {
	if cfg.CreateLogDir {
		if err := ensureDir(cfg.LogDir); err != nil {
			return nil, fmt.Errorf("runqueue: create log dir: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spawner := cfg.Spawner
	if spawner == nil {
		if cfg.Target == nil {
			return nil, fmt.Errorf("runqueue: either Config.Target or Config.Spawner must be set")
		}
		spawner = &GoWorkerSpawner{Target: cfg.Target}
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	e := &Engine{
		state: engineState{
			items:    make(map[uint64]queueitem.Item),
			logPaths: make(map[uint64]logPathEntry),
			queue:    make([]uint64, 0),
			workers:  make(map[uint64]runningWorker),
			stopRequested: make(map[uint64]string),
		},
		poolSize:     cfg.PoolSize,
		logDir:       cfg.LogDir,
		spawner:      spawner,
		logger:       logger,
		logEvents:    make(chan logcapture.Record, 256),
		subs:         make(map[int]chan engineapi.Event),
		stopCh:       make(chan struct{}),
		tickInterval: tick,
		pollInterval: poll,
	}

	e.doneWG.Add(3)
	go e.runSupervisor()
	go e.runTicker()
	go e.runLogRelay()

	return e, nil
}

// Close stops all background tasks and waits for them to exit. It does not
// terminate running workers; callers that want that should call
// ForceStopAllRunning first.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.doneWG.Wait()
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// --- mutating operations ----------------------------------------------------

// Add allocates a fresh id, appends the item to both the items map and the
// queue order, and emits RunListChanged and QueueChanged.
func (e *Engine) Add(ctx context.Context, name string, config []byte) (uint64, error) {
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()

	id := e.state.nextID
	e.state.nextID++

	item := queueitem.Item{
		ID:      id,
		Name:    name,
		Config:  append([]byte(nil), config...),
		Status:  queueitem.StatusQueued,
		DtAdded: time.Now(),
	}
	e.state.items[id] = item
	e.state.queue = append(e.state.queue, id)

	itemsSnap := e.snapshotItemsLocked()
	queueSnap := append([]uint64(nil), e.state.queue...)

	e.state.queueMu.Unlock()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventRunListChanged, Items: itemsSnap})
	e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
	e.emit(engineapi.Event{Kind: engineapi.EventItemAdded, Item: &item})

	return id, nil
}

// Cancel requires id to be in queue order; sets status Cancelled and
// removes it from queue order.
func (e *Engine) Cancel(ctx context.Context, id uint64) error {
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()

	idx := indexOf(e.state.queue, id)
	if idx < 0 {
		e.state.queueMu.Unlock()
		e.state.itemsMu.Unlock()
		return fmt.Errorf("cancel item %d: %w", id, rqerrors.ErrNotFound)
	}

	item := e.state.items[id]
	item.Status = queueitem.StatusCancelled
	now := time.Now()
	item.DtDone = &now
	e.state.items[id] = item
	e.state.queue = removeAt(e.state.queue, idx)

	queueSnap := append([]uint64(nil), e.state.queue...)
	itemCopy := item.Clone()

	e.state.queueMu.Unlock()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
	e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})
	return nil
}

// Stop stops a queued (not-yet-dispatched) or running item.
func (e *Engine) Stop(ctx context.Context, id uint64) error {
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()

	if idx := indexOf(e.state.queue, id); idx >= 0 {
		item := e.state.items[id]
		item.Status = queueitem.StatusStopped
		now := time.Now()
		item.DtDone = &now
		e.state.items[id] = item
		e.state.queue = removeAt(e.state.queue, idx)

		queueSnap := append([]uint64(nil), e.state.queue...)
		itemCopy := item.Clone()

		e.state.queueMu.Unlock()
		e.state.itemsMu.Unlock()

		e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
		e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})
		return nil
	}
	e.state.queueMu.Unlock()
	e.state.itemsMu.Unlock()

	e.state.workersMu.Lock()
	w, ok := e.state.workers[id]
	if !ok {
		e.state.workersMu.Unlock()
		return fmt.Errorf("stop item %d: %w", id, rqerrors.ErrNotFound)
	}
	e.state.stopRequested[id] = "stopped by user"
	e.state.workersMu.Unlock()

	// Hard termination; any in-flight log events the worker had not yet
	// flushed may be lost. The actual status flip to Stopped happens in the
	// supervisor's reap step once the worker's Wait channel fires, keeping
	// items+workers under one lock window there.
	_ = w.handle.Terminate()
	return nil
}

// Delete is legal only for items in a terminal status; removes the item
// entirely.
func (e *Engine) Delete(ctx context.Context, id uint64) error {
	e.state.itemsMu.Lock()
	item, ok := e.state.items[id]
	if !ok {
		e.state.itemsMu.Unlock()
		return fmt.Errorf("delete item %d: %w", id, rqerrors.ErrNotFound)
	}
	if !item.Status.IsTerminal() {
		e.state.itemsMu.Unlock()
		return fmt.Errorf("delete item %d: %w", id, rqerrors.ErrIllegalAction)
	}
	delete(e.state.items, id)
	delete(e.state.logPaths, id)
	itemsSnap := e.snapshotItemsLocked()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventRunListChanged, Items: itemsSnap})
	return nil
}

// MoveRelative shifts id by delta positions within queue order, clamping at
// the ends.
func (e *Engine) MoveRelative(ctx context.Context, id uint64, delta int) error {
	e.state.queueMu.Lock()
	idx := indexOf(e.state.queue, id)
	if idx < 0 {
		e.state.queueMu.Unlock()
		return fmt.Errorf("move item %d: %w", id, rqerrors.ErrNotFound)
	}
	queueSnap, changed := e.moveToIndexLocked(idx, idx+delta)
	e.state.queueMu.Unlock()

	if changed {
		e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
	}
	return nil
}

// MoveTo moves id to absolute position pos within queue order, clamping.
func (e *Engine) MoveTo(ctx context.Context, id uint64, pos int) error {
	e.state.queueMu.Lock()
	idx := indexOf(e.state.queue, id)
	if idx < 0 {
		e.state.queueMu.Unlock()
		return fmt.Errorf("move item %d: %w", id, rqerrors.ErrNotFound)
	}
	queueSnap, changed := e.moveToIndexLocked(idx, pos)
	e.state.queueMu.Unlock()

	if changed {
		e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
	}
	return nil
}

// moveToIndexLocked must be called with queueMu held. Only Queued ids ever
// appear in queue order, so the legality table (queueitem.LegalActions)
// already guarantees callers never move a non-Queued item; no further
// guard is needed here.
func (e *Engine) moveToIndexLocked(from, to int) ([]uint64, bool) {
	n := len(e.state.queue)
	if to < 0 {
		to = 0
	}
	if to > n-1 {
		to = n - 1
	}
	if from == to {
		return nil, false
	}
	id := e.state.queue[from]
	e.state.queue = removeAt(e.state.queue, from)
	e.state.queue = insertAt(e.state.queue, to, id)

	return append([]uint64(nil), e.state.queue...), true
}

// DoAction verifies legality via queueitem.LegalActions and dispatches.
func (e *Engine) DoAction(ctx context.Context, id uint64, action queueitem.Action) error {
	status, inQueue, err := e.statusOf(id)
	if err != nil {
		return err
	}
	if !queueitem.IsLegal(status, inQueue, action) {
		return fmt.Errorf("action %s on item %d (status=%s): %w", action, id, status, rqerrors.ErrIllegalAction)
	}
	switch action {
	case queueitem.ActionDelete:
		return e.Delete(ctx, id)
	case queueitem.ActionCancel:
		return e.Cancel(ctx, id)
	case queueitem.ActionStop:
		return e.Stop(ctx, id)
	case queueitem.ActionMoveUp:
		return e.MoveRelative(ctx, id, -1)
	case queueitem.ActionMoveDown:
		return e.MoveRelative(ctx, id, 1)
	case queueitem.ActionMoveTop:
		return e.MoveTo(ctx, id, 0)
	default:
		return fmt.Errorf("action %s: %w", action, rqerrors.ErrIllegalAction)
	}
}

func (e *Engine) statusOf(id uint64) (queueitem.Status, bool, error) {
	e.state.itemsMu.Lock()
	item, ok := e.state.items[id]
	e.state.itemsMu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("item %d: %w", id, rqerrors.ErrNotFound)
	}
	e.state.queueMu.Lock()
	inQueue := indexOf(e.state.queue, id) >= 0
	e.state.queueMu.Unlock()
	return item.Status, inQueue, nil
}

// StartAutoprocessing enables dispatch and emits AutoProcessingStateChanged.
func (e *Engine) StartAutoprocessing(ctx context.Context) error {
	e.autoMu.Lock()
	e.autoOn = true
	e.autoMu.Unlock()
	e.emit(engineapi.Event{Kind: engineapi.EventAutoProcessingStateChanged, Bool: true})
	return nil
}

// StopAutoprocessing disables new dispatch cooperatively; in-flight workers
// are left to finish.
func (e *Engine) StopAutoprocessing(ctx context.Context) error {
	e.autoMu.Lock()
	e.autoOn = false
	e.autoMu.Unlock()
	e.emit(engineapi.Event{Kind: engineapi.EventAutoProcessingStateChanged, Bool: false})
	return nil
}

func (e *Engine) autoprocessing() bool {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	return e.autoOn
}

// ForceStopAllRunning hard-terminates every running worker and marks each
// Stopped with stderr=msg.
func (e *Engine) ForceStopAllRunning(ctx context.Context, msg string) error {
	e.state.workersMu.Lock()
	handles := make([]WorkerHandle, 0, len(e.state.workers))
	for id, w := range e.state.workers {
		e.state.stopRequested[id] = msg
		handles = append(handles, w.handle)
	}
	e.state.workersMu.Unlock()

	for _, h := range handles {
		_ = h.Terminate()
	}
	return nil
}

// SetPoolSize updates the concurrency bound; n=-1 means unlimited.
func (e *Engine) SetPoolSize(ctx context.Context, n int) error {
	if n < -1 {
		return fmt.Errorf("pool size %d: must be >= -1", n)
	}
	e.poolSizeMu.Lock()
	e.poolSize = n
	e.poolSizeMu.Unlock()
	return nil
}

func (e *Engine) getPoolSize() int {
	e.poolSizeMu.Lock()
	defer e.poolSizeMu.Unlock()
	return e.poolSize
}

// --- small helpers ----------------------------------------------------------

func indexOf(s []uint64, v uint64) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func removeAt(s []uint64, idx int) []uint64 {
	return append(s[:idx], s[idx+1:]...)
}

func insertAt(s []uint64, idx int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func (e *Engine) snapshotItemsLocked() map[uint64]queueitem.Item {
	out := make(map[uint64]queueitem.Item, len(e.state.items))
	for id, it := range e.state.items {
		out[id] = it.Clone()
	}
	return out
}
