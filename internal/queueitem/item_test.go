package queueitem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLegalActions_QueuedInOrder(t *testing.T) {
	acts := LegalActions(StatusQueued, true)
	for _, want := range []Action{ActionDelete, ActionCancel, ActionMoveUp, ActionMoveDown, ActionMoveTop} {
		assert.Truef(t, acts[want], "expected %s to be legal for queued-in-order item", want)
	}
	assert.False(t, acts[ActionStop], "Stop should not be legal for a queued item")
}

func TestLegalActions_Running(t *testing.T) {
	acts := LegalActions(StatusRunning, false)
	assert.True(t, acts[ActionStop], "expected Stop to be legal while running")
	assert.False(t, acts[ActionDelete], "Delete should not be legal while running")
	assert.False(t, acts[ActionCancel], "Cancel should not be legal while running")
}

func TestLegalActions_Terminal(t *testing.T) {
	for _, s := range []Status{StatusFinished, StatusStopped, StatusCancelled, StatusFailed} {
		acts := LegalActions(s, false)
		assert.Truef(t, acts[ActionDelete], "expected Delete to be legal for terminal status %s", s)
		assert.Falsef(t, acts[ActionStop] || acts[ActionCancel] || acts[ActionMoveUp],
			"expected only Delete to be legal for terminal status %s, got %v", s, acts)
	}
}

func TestIsLegal(t *testing.T) {
	assert.True(t, IsLegal(StatusQueued, true, ActionCancel), "expected Cancel legal for queued item")
	assert.False(t, IsLegal(StatusRunning, false, ActionDelete), "expected Delete illegal while running")
}

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusQueued: false, StatusRunning: false,
		StatusFinished: true, StatusStopped: true, StatusCancelled: true, StatusFailed: true,
	}
	for s, want := range terminal {
		assert.Equalf(t, want, s.IsTerminal(), "%s.IsTerminal()", s)
	}
}

func TestAllStatusesCoversEveryConstant(t *testing.T) {
	seen := make(map[Status]bool, len(AllStatuses))
	for _, s := range AllStatuses {
		seen[s] = true
	}
	for _, s := range []Status{StatusQueued, StatusRunning, StatusFinished, StatusStopped, StatusCancelled, StatusFailed} {
		assert.Truef(t, seen[s], "AllStatuses missing %s", s)
	}
	assert.Len(t, AllStatuses, 6)
}

func TestItemClone_DeepCopiesPointersAndSlices(t *testing.T) {
	code := int32(1)
	orig := Item{
		ID:       1,
		Config:   []byte{1, 2, 3},
		ExitCode: &code,
	}
	cp := orig.Clone()

	cp.Config[0] = 99
	assert.NotEqual(t, byte(99), orig.Config[0], "Clone did not deep-copy Config")

	*cp.ExitCode = 2
	assert.NotEqual(t, int32(2), *orig.ExitCode, "Clone did not deep-copy ExitCode")
}
