// Package engineapi declares the contract shared by the in-process
// RunQueue engine and the remote client proxy. Both sides implement
// EngineAPI; the façade publishes it, the proxy mimics it by forwarding
// every call over the wire protocol.
package engineapi

import (
	"context"
	"time"

	"github.com/ocx/backend/internal/queueitem"
)

// LogInfo is the per-item entry returned by CommandLineInfo.
type LogInfo struct {
	Name      string
	Path      string
	FileSize  int64
	IsRunning bool
}

// ConsoleOutputPath is the payload of a NewConsoleOutputPath event.
type ConsoleOutputPath struct {
	ItemID uint64
	Name   string
	Path   string
}

// LogRecord mirrors logcapture.Record without importing that package here,
// keeping engineapi dependency-free of the worker-side capture internals.
type LogRecord struct {
	ItemID           uint64
	ItemName         string
	FilePath         string
	Timestamp        time.Time
	FileOffsetBefore int64
	Message          string
}

// EventKind is the explicit sum-type tag for engine events. A tagged union
// removes the need for either side to know the other's signal-connection
// machinery the way reflective per-signal wiring would.
type EventKind int

const (
	EventQueueChanged EventKind = iota
	EventRunListChanged
	EventItemChanged
	EventAutoProcessingStateChanged
	EventNewConsoleOutputPath
	EventNewCommandLineOutput
	EventRunningIdsChanged
	EventResetTriggered
	EventItemAdded
)

func (k EventKind) String() string {
	switch k {
	case EventQueueChanged:
		return "QueueChanged"
	case EventRunListChanged:
		return "RunListChanged"
	case EventItemChanged:
		return "ItemChanged"
	case EventAutoProcessingStateChanged:
		return "AutoProcessingStateChanged"
	case EventNewConsoleOutputPath:
		return "NewConsoleOutputPath"
	case EventNewCommandLineOutput:
		return "NewCommandLineOutput"
	case EventRunningIdsChanged:
		return "RunningIdsChanged"
	case EventResetTriggered:
		return "ResetTriggered"
	case EventItemAdded:
		return "ItemAdded"
	default:
		return "Unknown"
	}
}

// Event is the sum type carrying whichever payload is valid for its Kind.
// Only the field(s) matching Kind are populated; the façade's relay and the
// proxy's receiver both switch on Kind.
type Event struct {
	Kind EventKind

	Queue []uint64                    // QueueChanged
	Items map[uint64]queueitem.Item   // RunListChanged
	Item  *queueitem.Item             // ItemChanged (current state of one item), ItemAdded
	ItemID uint64                     // ItemChanged
	Bool  bool                        // AutoProcessingStateChanged
	Path  *ConsoleOutputPath          // NewConsoleOutputPath
	Log   *LogRecord                  // NewCommandLineOutput
	Running []uint64                  // RunningIdsChanged
}

// Unsubscribe is returned by Subscribe and removes the subscription.
type Unsubscribe func()

// EngineAPI is the common surface the in-process engine and the remote
// client proxy both satisfy.
type EngineAPI interface {
	Add(ctx context.Context, name string, config []byte) (uint64, error)
	Cancel(ctx context.Context, id uint64) error
	Stop(ctx context.Context, id uint64) error
	Delete(ctx context.Context, id uint64) error
	MoveRelative(ctx context.Context, id uint64, delta int) error
	MoveTo(ctx context.Context, id uint64, pos int) error
	DoAction(ctx context.Context, id uint64, action queueitem.Action) error

	StartAutoprocessing(ctx context.Context) error
	StopAutoprocessing(ctx context.Context) error
	ForceStopAllRunning(ctx context.Context, msg string) error
	SetPoolSize(ctx context.Context, n int) error

	QueueSnapshot(ctx context.Context) ([]uint64, error)
	ItemsSnapshot(ctx context.Context) (map[uint64]queueitem.Item, error)
	CommandLineInfo(ctx context.Context) (map[uint64]LogInfo, error)
	CommandLineOutput(ctx context.Context, id uint64, seekEnd, maxBytes int64) (string, time.Time, error)
	GetItemConfig(ctx context.Context, id uint64) ([]byte, error)
	SetItemConfig(ctx context.Context, id uint64, config []byte) error

	Subscribe() (<-chan Event, Unsubscribe)
}

// MethodName enumerates the wire name for every EngineAPI method so the
// façade dispatch table and the proxy's call sites share one vocabulary: an
// explicit, versioned tag per method rather than free-form reflection.
type MethodName string

const (
	MethodAdd                  MethodName = "Add"
	MethodCancel               MethodName = "Cancel"
	MethodStop                 MethodName = "Stop"
	MethodDelete               MethodName = "Delete"
	MethodMoveRelative         MethodName = "MoveRelative"
	MethodMoveTo               MethodName = "MoveTo"
	MethodDoAction             MethodName = "DoAction"
	MethodStartAutoprocessing  MethodName = "StartAutoprocessing"
	MethodStopAutoprocessing   MethodName = "StopAutoprocessing"
	MethodForceStopAllRunning  MethodName = "ForceStopAllRunning"
	MethodSetPoolSize          MethodName = "SetPoolSize"
	MethodQueueSnapshot        MethodName = "QueueSnapshot"
	MethodItemsSnapshot        MethodName = "ItemsSnapshot"
	MethodCommandLineInfo      MethodName = "CommandLineInfo"
	MethodCommandLineOutput    MethodName = "CommandLineOutput"
	MethodGetItemConfig        MethodName = "GetItemConfig"
	MethodSetItemConfig        MethodName = "SetItemConfig"
)
