package runqueue

import (
	"time"

	"github.com/ocx/backend/internal/engineapi"
)

// runLogRelay drains the shared log-events channel and republishes each
// tuple as NewCommandLineOutput. No cross-worker ordering is guaranteed
// since workers log concurrently; order within a single worker's stream is
// preserved because logcapture.Sink is written under its own lock.
func (e *Engine) runLogRelay() {
	defer e.doneWG.Done()
	for {
		select {
		case <-e.stopCh:
			e.drainRemaining()
			return
		case rec := <-e.logEvents:
			e.emit(engineapi.Event{
				Kind: engineapi.EventNewCommandLineOutput,
				Log: &engineapi.LogRecord{
					ItemID:           rec.ItemID,
					ItemName:         rec.ItemName,
					FilePath:         rec.FilePath,
					Timestamp:        rec.Timestamp,
					FileOffsetBefore: rec.FileOffsetBefore,
					Message:          rec.Message,
				},
			})
		case <-time.After(500 * time.Millisecond):
			// Periodically re-check stopCh even when idle rather than
			// blocking on the channel forever.
		}
	}
}

// drainRemaining publishes any records still queued at shutdown so current
// subscribers still receive them.
func (e *Engine) drainRemaining() {
	for {
		select {
		case rec := <-e.logEvents:
			e.emit(engineapi.Event{
				Kind: engineapi.EventNewCommandLineOutput,
				Log: &engineapi.LogRecord{
					ItemID:           rec.ItemID,
					ItemName:         rec.ItemName,
					FilePath:         rec.FilePath,
					Timestamp:        rec.Timestamp,
					FileOffsetBefore: rec.FileOffsetBefore,
					Message:          rec.Message,
				},
			})
		default:
			return
		}
	}
}
