package runqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/queueitem"
	"github.com/ocx/backend/internal/rqerrors"
)

func newTestEngine(t *testing.T, target TargetFunc) *Engine {
	t.Helper()
	e, err := New(Config{
		PoolSize:     -1,
		LogDir:       t.TempDir(),
		CreateLogDir: true,
		Target:       target,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		TickInterval: 10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func waitForStatus(t *testing.T, e *Engine, id uint64, want queueitem.Status) queueitem.Item {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		items, err := e.ItemsSnapshot(context.Background())
		require.NoError(t, err)
		if it, ok := items[id]; ok && it.Status == want {
			return it
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("item %d never reached status %s", id, want)
	return queueitem.Item{}
}

func waitForRunning(t *testing.T, e *Engine, id uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		items, err := e.ItemsSnapshot(context.Background())
		require.NoError(t, err)
		if it, ok := items[id]; ok && it.Status == queueitem.StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("item %d never started running", id)
}

func TestAdd_AppendsToItemsAndQueue(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })

	id, err := e.Add(context.Background(), "job-one", []byte("cfg"))
	require.NoError(t, err)

	items, _ := e.ItemsSnapshot(context.Background())
	it, ok := items[id]
	require.True(t, ok, "item %d missing from snapshot", id)
	assert.Equal(t, queueitem.StatusQueued, it.Status)
	assert.Equal(t, "job-one", it.Name)

	queue, _ := e.QueueSnapshot(context.Background())
	require.Len(t, queue, 1)
	assert.Equal(t, id, queue[0])
}

func TestAutoprocessing_HappyPathFinishes(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error {
		log.Info("working")
		return nil
	})

	require.NoError(t, e.StartAutoprocessing(context.Background()))

	id, err := e.Add(context.Background(), "ok-job", []byte("cfg"))
	require.NoError(t, err)

	it := waitForStatus(t, e, id, queueitem.StatusFinished)
	assert.NotNil(t, it.DtDone, "expected DtDone to be set on a finished item")
}

func TestAutoprocessing_FailureCapturesStderr(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error {
		return errors.New("boom")
	})

	e.StartAutoprocessing(context.Background())
	id, err := e.Add(context.Background(), "bad-job", []byte("cfg"))
	require.NoError(t, err)

	it := waitForStatus(t, e, id, queueitem.StatusFailed)
	assert.NotEmpty(t, it.Stderr, "expected Stderr to be populated on a failed item")
}

func TestCancel_RemovesQueuedItemBeforeDispatch(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })

	id, _ := e.Add(context.Background(), "to-cancel", []byte("cfg"))
	require.NoError(t, e.Cancel(context.Background(), id))

	items, _ := e.ItemsSnapshot(context.Background())
	assert.Equal(t, queueitem.StatusCancelled, items[id].Status)
	queue, _ := e.QueueSnapshot(context.Background())
	assert.Empty(t, queue)
}

func TestCancel_NotInQueueReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	err := e.Cancel(context.Background(), 999)
	assert.True(t, errors.Is(err, rqerrors.ErrNotFound), "got %v, want ErrNotFound", err)
}

func TestStop_RunningItemReapsToStopped(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error {
		<-ctx.Done()
		return ctx.Err()
	})

	e.StartAutoprocessing(context.Background())
	id, _ := e.Add(context.Background(), "long-job", []byte("cfg"))

	waitForRunning(t, e, id)

	require.NoError(t, e.Stop(context.Background(), id))

	it := waitForStatus(t, e, id, queueitem.StatusStopped)
	assert.Equal(t, "stopped by user", it.Stderr)
}

func TestForceStopAllRunning(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error {
		<-ctx.Done()
		return ctx.Err()
	})

	e.StartAutoprocessing(context.Background())
	id1, _ := e.Add(context.Background(), "job-1", []byte("cfg"))
	id2, _ := e.Add(context.Background(), "job-2", []byte("cfg"))
	waitForRunning(t, e, id1)
	waitForRunning(t, e, id2)

	require.NoError(t, e.ForceStopAllRunning(context.Background(), "shutting down"))

	it1 := waitForStatus(t, e, id1, queueitem.StatusStopped)
	it2 := waitForStatus(t, e, id2, queueitem.StatusStopped)
	assert.Equal(t, "shutting down", it1.Stderr)
	assert.Equal(t, "shutting down", it2.Stderr)
}

func TestDoAction_DeleteOnQueuedItemIsIllegal(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	id, _ := e.Add(context.Background(), "queued", []byte("cfg"))

	err := e.DoAction(context.Background(), id, queueitem.ActionDelete)
	assert.True(t, errors.Is(err, rqerrors.ErrIllegalAction), "got %v, want ErrIllegalAction", err)
}

func TestDoAction_DeleteOnFinishedItemSucceeds(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	e.StartAutoprocessing(context.Background())
	id, _ := e.Add(context.Background(), "finish-then-delete", []byte("cfg"))
	waitForStatus(t, e, id, queueitem.StatusFinished)

	require.NoError(t, e.DoAction(context.Background(), id, queueitem.ActionDelete))
	items, _ := e.ItemsSnapshot(context.Background())
	_, ok := items[id]
	assert.False(t, ok, "item %d still present after delete", id)
}

func TestMoveRelativeAndMoveTo_ReorderQueue(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, _ := e.Add(context.Background(), fmt.Sprintf("job-%d", i), []byte("cfg"))
		ids = append(ids, id)
	}

	require.NoError(t, e.MoveRelative(context.Background(), ids[2], -2))
	queue, _ := e.QueueSnapshot(context.Background())
	require.NotEmpty(t, queue)
	assert.Equal(t, ids[2], queue[0], "queue after MoveRelative = %v, want %d first", queue, ids[2])

	require.NoError(t, e.MoveTo(context.Background(), ids[2], 2))
	queue, _ = e.QueueSnapshot(context.Background())
	require.NotEmpty(t, queue)
	assert.Equal(t, ids[2], queue[len(queue)-1], "queue after MoveTo = %v, want %d last", queue, ids[2])
}

func TestSetPoolSize_RejectsBelowUnlimitedSentinel(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	assert.Error(t, e.SetPoolSize(context.Background(), -2), "expected -2 to be rejected")
	assert.NoError(t, e.SetPoolSize(context.Background(), -1), "expected -1 (unlimited) to be accepted")
}

func TestPoolSizeGating_LimitsConcurrentRunners(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	e, err := New(Config{
		PoolSize:     1,
		LogDir:       t.TempDir(),
		CreateLogDir: true,
		Target: func(ctx context.Context, config []byte, log *slog.Logger) error {
			started <- struct{}{}
			<-release
			return nil
		},
		TickInterval: 10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer e.Close()
	defer close(release)

	e.StartAutoprocessing(context.Background())
	e.Add(context.Background(), "first", []byte("cfg"))
	e.Add(context.Background(), "second", []byte("cfg"))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first worker never started")
	}

	select {
	case <-started:
		t.Fatal("a second worker started while pool size was 1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSnapshotForPersist_RejectsRunningUnlessAllowed(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error {
		<-ctx.Done()
		return ctx.Err()
	})
	e.StartAutoprocessing(context.Background())
	id, _ := e.Add(context.Background(), "running-job", []byte("cfg"))
	waitForRunning(t, e, id)

	_, err := e.SnapshotForPersist(false)
	assert.True(t, errors.Is(err, rqerrors.ErrHasRunningItems), "got %v, want ErrHasRunningItems", err)

	rec, err := e.SnapshotForPersist(true)
	require.NoError(t, err)
	assert.Equal(t, queueitem.StatusStopped, rec.Items[id].Status)

	live, _ := e.ItemsSnapshot(context.Background())
	assert.Equal(t, queueitem.StatusRunning, live[id].Status, "SnapshotForPersist must not mutate live state")

	e.ForceStopAllRunning(context.Background(), "test cleanup")
}

func TestSaveAndLoadFromFile_RoundTrip(t *testing.T) {
	e := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	id, _ := e.Add(context.Background(), "persisted", []byte("cfg-payload"))

	rec, err := e.SnapshotForPersist(false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "queue.gob")
	require.NoError(t, SaveToFile(path, rec))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, rec.NextID, loaded.NextID)
	assert.Equal(t, "cfg-payload", string(loaded.Items[id].Config))

	e2 := newTestEngine(t, func(ctx context.Context, config []byte, log *slog.Logger) error { return nil })
	require.NoError(t, e2.LoadFromRecord(loaded))
	items, _ := e2.ItemsSnapshot(context.Background())
	assert.Equal(t, "persisted", items[id].Name)
}
