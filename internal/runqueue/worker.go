package runqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ocx/backend/internal/logcapture"
)

// TargetFunc is the user-supplied callable invoked inside a worker with the
// item's opaque config payload. A clean return means Finished; any error
// means Failed with the error's message recorded as stderr.
type TargetFunc func(ctx context.Context, config []byte, log *slog.Logger) error

// WorkerResult is delivered on a WorkerHandle's Wait channel exactly once.
type WorkerResult struct {
	ExitCode int32
	Stderr   string
}

// WorkerHandle represents one in-flight worker. Implementations may back
// it with a goroutine (GoWorkerSpawner) or an isolated OS process/container
// (DockerWorkerSpawner); the engine only depends on this interface, never
// on the concrete isolation mechanism. The supervisor is the sole writer to
// `items`; workers only ever report results via message passing over this
// handle, never by touching engine state directly.
type WorkerHandle interface {
	// Wait returns a channel that receives exactly one WorkerResult when
	// the worker finishes, whether cleanly or not.
	Wait() <-chan WorkerResult
	// Terminate force-stops the worker. Safe to call after the worker has
	// already finished.
	Terminate() error
}

// WorkerSpawner spawns a worker for item, wiring sink as its log capture.
type WorkerSpawner interface {
	Spawn(ctx context.Context, itemID uint64, itemName string, config []byte, sink *logcapture.Sink) (WorkerHandle, error)
}

// GoWorkerSpawner runs the target function in a supervised goroutine. This
// is the default spawner: it has no external dependency, and it
// communicates results back to the supervisor purely by channel, never by
// letting the worker mutate engine state directly.
type GoWorkerSpawner struct {
	Target TargetFunc
}

type goWorkerHandle struct {
	cancel context.CancelFunc
	result chan WorkerResult
}

func (h *goWorkerHandle) Wait() <-chan WorkerResult { return h.result }

func (h *goWorkerHandle) Terminate() error {
	h.cancel()
	return nil
}

// Spawn launches the target function in a goroutine, recovering panics into
// a Failed result and installing sink as the logger's output handler.
func (s *GoWorkerSpawner) Spawn(ctx context.Context, itemID uint64, itemName string, config []byte, sink *logcapture.Sink) (WorkerHandle, error) {
	workerCtx, cancel := context.WithCancel(ctx)
	h := &goWorkerHandle{cancel: cancel, result: make(chan WorkerResult, 1)}

	lineWriter := logcapture.NewLineWriter(sink)
	logger := slog.New(slog.NewTextHandler(lineWriter, &slog.HandlerOptions{}))

	go func() {
		defer func() {
			if r := recover(); r != nil {
				lineWriter.Flush()
				stderr := fmt.Sprintf("PanicError: %v\n%s", r, debug.Stack())
				h.result <- WorkerResult{ExitCode: -1, Stderr: stderr}
			}
		}()

		err := s.Target(workerCtx, config, logger)
		lineWriter.Flush()
		if err != nil {
			h.result <- WorkerResult{
				ExitCode: -1,
				Stderr:   fmt.Sprintf("%T: %s", err, err.Error()),
			}
			return
		}
		h.result <- WorkerResult{ExitCode: 0}
	}()

	return h, nil
}
