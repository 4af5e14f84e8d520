package runqueue

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/logcapture"
	"github.com/ocx/backend/internal/queueitem"
)

// runSupervisor is the single long-running task that dispatches queued work
// onto the worker pool and reaps finished workers.
func (e *Engine) runSupervisor() {
	defer e.doneWG.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	reapCh := make(chan uint64, 64)

	for {
		select {
		case <-e.stopCh:
			if e.runningCount() == 0 {
				return
			}
		case id := <-reapCh:
			e.reapWorker(id)
		case <-ticker.C:
		}

		if e.tryDispatchOne(reapCh) {
			continue
		}
		e.reapFinished(reapCh)
	}
}

func (e *Engine) runningCount() int {
	e.state.workersMu.Lock()
	defer e.state.workersMu.Unlock()
	return len(e.state.workers)
}

// tryDispatchOne pops the queue head and spawns a worker for it if
// autoprocessing is enabled and a pool slot is free. Returns true if it
// dispatched something.
func (e *Engine) tryDispatchOne(reapCh chan<- uint64) bool {
	if !e.autoprocessing() {
		return false
	}
	poolSize := e.getPoolSize()

	// Pop and status-flip to Running happen under items+queue(+workers)
	// locks held together. Insertion into running_workers is not part of
	// this lock window: dispatch does it later, after the worker is spawned.
	// The id has left queue order by then, so no external observer ever
	// sees it simultaneously in queue order and in running_workers.
	e.state.itemsMu.Lock()
	e.state.queueMu.Lock()
	e.state.workersMu.Lock()

	if poolSize != -1 && len(e.state.workers) >= poolSize {
		e.state.workersMu.Unlock()
		e.state.queueMu.Unlock()
		e.state.itemsMu.Unlock()
		return false
	}
	if len(e.state.queue) == 0 {
		e.state.workersMu.Unlock()
		e.state.queueMu.Unlock()
		e.state.itemsMu.Unlock()
		return false
	}

	id := e.state.queue[0]
	e.state.queue = e.state.queue[1:]

	item := e.state.items[id]
	now := time.Now()
	item.Status = queueitem.StatusRunning
	item.DtStarted = &now
	e.state.items[id] = item

	queueSnap := append([]uint64(nil), e.state.queue...)
	itemCopy := item.Clone()

	e.state.workersMu.Unlock()
	e.state.queueMu.Unlock()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: queueSnap})
	e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})

	e.dispatch(id, item, reapCh)
	return true
}

// dispatch chooses a log file path, creates it, publishes
// NewConsoleOutputPath, spawns the worker, and registers it in
// running_workers, publishing RunningIdsChanged.
func (e *Engine) dispatch(id uint64, item queueitem.Item, reapCh chan<- uint64) {
	path, err := logcapture.NextLogPath(e.logDir, id, item.Name)
	if err != nil {
		e.failImmediately(id, err)
		return
	}
	if err := logcapture.CreateEmpty(path); err != nil {
		e.failImmediately(id, err)
		return
	}

	e.state.itemsMu.Lock()
	e.state.logPaths[id] = logPathEntry{name: item.Name, path: path}
	e.state.itemsMu.Unlock()

	// The path must exist and this event must be published before the
	// worker is spawned, so a subscriber that begins tailing on the event
	// never misses data.
	e.emit(engineapi.Event{
		Kind: engineapi.EventNewConsoleOutputPath,
		Path: &engineapi.ConsoleOutputPath{ItemID: id, Name: item.Name, Path: path},
	})

	sink, err := logcapture.NewSink(id, item.Name, path, e.logEvents)
	if err != nil {
		e.failImmediately(id, err)
		return
	}

	handle, err := e.spawner.Spawn(context.Background(), id, item.Name, item.Config, sink)
	if err != nil {
		sink.Close()
		e.failImmediately(id, err)
		return
	}

	e.state.workersMu.Lock()
	e.state.workers[id] = runningWorker{handle: handle, sink: sink}
	running := e.runningIDsLocked()
	e.state.workersMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventRunningIdsChanged, Running: running})

	go func() {
		result := <-handle.Wait()
		e.finishWorker(id, sink, result)
		reapCh <- id
	}()
}

func (e *Engine) runningIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(e.state.workers))
	for id := range e.state.workers {
		ids = append(ids, id)
	}
	return ids
}

// finishWorker records the terminal status for id given its WorkerResult.
// Reap+status-set happens while items and workers are both held. The
// worker slot itself is removed by reapFinished once this goroutine
// signals completion, keeping the "not alive and exit-coded" check simple.
func (e *Engine) finishWorker(id uint64, sink *logcapture.Sink, result WorkerResult) {
	sink.Close()

	e.state.itemsMu.Lock()
	e.state.workersMu.Lock()

	stopMsg, wasStopped := e.state.stopRequested[id]
	delete(e.state.stopRequested, id)

	item := e.state.items[id]
	now := time.Now()
	item.DtDone = &now
	code := result.ExitCode
	item.ExitCode = &code

	switch {
	case wasStopped:
		item.Status = queueitem.StatusStopped
		item.Stderr = stopMsg
	case result.ExitCode == 0:
		item.Status = queueitem.StatusFinished
	default:
		item.Status = queueitem.StatusFailed
		item.Stderr = result.Stderr
	}
	e.state.items[id] = item
	itemCopy := item.Clone()

	e.state.workersMu.Unlock()
	e.state.itemsMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})
}

// reapWorker removes id from running_workers once its result has been
// recorded by finishWorker, and publishes RunningIdsChanged.
func (e *Engine) reapWorker(id uint64) {
	e.state.workersMu.Lock()
	if _, ok := e.state.workers[id]; !ok {
		e.state.workersMu.Unlock()
		return
	}
	delete(e.state.workers, id)
	running := e.runningIDsLocked()
	e.state.workersMu.Unlock()

	e.emit(engineapi.Event{Kind: engineapi.EventRunningIdsChanged, Running: running})
}

// reapFinished drains any pending reap notifications without blocking,
// reaping any worker whose status is no longer alive during the idle
// branch of the loop.
func (e *Engine) reapFinished(reapCh chan uint64) {
	for {
		select {
		case id := <-reapCh:
			e.reapWorker(id)
		default:
			return
		}
	}
}

// failImmediately records a dispatch-time failure (e.g. could not create
// the log file) without ever having registered a running worker.
func (e *Engine) failImmediately(id uint64, err error) {
	e.state.itemsMu.Lock()
	item := e.state.items[id]
	now := time.Now()
	item.Status = queueitem.StatusFailed
	item.DtDone = &now
	code := int32(-1)
	item.ExitCode = &code
	item.Stderr = err.Error()
	e.state.items[id] = item
	itemCopy := item.Clone()
	e.state.itemsMu.Unlock()

	e.logger.Error("runqueue: dispatch failed", "item_id", id, "error", err)
	e.emit(engineapi.Event{Kind: engineapi.EventItemChanged, ItemID: id, Item: &itemCopy})
}
