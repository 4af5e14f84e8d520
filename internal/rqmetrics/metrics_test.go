package rqmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
)

func TestObserve_RunListChangedSetsPerStatusGauges(t *testing.T) {
	m := New()
	m.Observe(engineapi.Event{
		Kind: engineapi.EventRunListChanged,
		Items: map[uint64]queueitem.Item{
			1: {ID: 1, Status: queueitem.StatusRunning},
			2: {ID: 2, Status: queueitem.StatusRunning},
			3: {ID: 3, Status: queueitem.StatusQueued},
		},
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ItemsByStatus.WithLabelValues(string(queueitem.StatusRunning))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsByStatus.WithLabelValues(string(queueitem.StatusQueued))))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ItemsByStatus.WithLabelValues(string(queueitem.StatusFailed))))
}

func TestObserve_QueueAndRunningIdsChanged(t *testing.T) {
	m := New()
	m.Observe(engineapi.Event{Kind: engineapi.EventQueueChanged, Queue: []uint64{1, 2, 3}})
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))

	m.Observe(engineapi.Event{Kind: engineapi.EventRunningIdsChanged, Running: []uint64{1}})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunningWorkers))
}

func TestObserve_AutoProcessingStateChanged(t *testing.T) {
	m := New()
	m.Observe(engineapi.Event{Kind: engineapi.EventAutoProcessingStateChanged, Bool: true})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AutoProcessingOn))
	m.Observe(engineapi.Event{Kind: engineapi.EventAutoProcessingStateChanged, Bool: false})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.AutoProcessingOn))
}

func TestObserve_ItemChangedIncrementsFinishedOnlyWhenTerminal(t *testing.T) {
	m := New()
	running := queueitem.Item{ID: 1, Status: queueitem.StatusRunning}
	m.Observe(engineapi.Event{Kind: engineapi.EventItemChanged, Item: &running})
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ItemsFinished.WithLabelValues(string(queueitem.StatusRunning))),
		"expected non-terminal status to not increment ItemsFinished")

	finished := queueitem.Item{ID: 1, Status: queueitem.StatusFinished}
	m.Observe(engineapi.Event{Kind: engineapi.EventItemChanged, Item: &finished})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsFinished.WithLabelValues(string(queueitem.StatusFinished))))
}

func TestObserve_ItemAddedIncrementsItemsAdded(t *testing.T) {
	m := New()
	added := queueitem.Item{ID: 1, Status: queueitem.StatusQueued}
	m.Observe(engineapi.Event{Kind: engineapi.EventItemAdded, Item: &added})
	m.Observe(engineapi.Event{Kind: engineapi.EventItemAdded, Item: &added})
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ItemsAdded))
}

func TestRecordAdd(t *testing.T) {
	m := New()
	m.RecordAdd()
	m.RecordAdd()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ItemsAdded))
}
