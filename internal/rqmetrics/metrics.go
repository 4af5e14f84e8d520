// Package rqmetrics exposes Prometheus metrics for the RunQueue engine,
// following internal/escrow.Metrics's pattern of one struct holding every
// registered collector plus small Record/Update methods.
package rqmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/queueitem"
)

// Metrics holds every Prometheus collector for the engine.
type Metrics struct {
	ItemsByStatus    *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	RunningWorkers   prometheus.Gauge
	ItemsAdded       prometheus.Counter
	ItemsFinished    *prometheus.CounterVec
	AutoProcessingOn prometheus.Gauge
}

// New creates and registers the RunQueue collectors.
func New() *Metrics {
	return &Metrics{
		ItemsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "runqueue_items_by_status",
				Help: "Current number of items in each status",
			},
			[]string{"status"},
		),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "runqueue_queue_depth",
			Help: "Current number of items waiting in queue order",
		}),
		RunningWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "runqueue_running_workers",
			Help: "Current number of dispatched workers",
		}),
		ItemsAdded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "runqueue_items_added_total",
			Help: "Total number of items ever added to the queue",
		}),
		ItemsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runqueue_items_finished_total",
				Help: "Total number of items reaching a terminal status",
			},
			[]string{"status"},
		),
		AutoProcessingOn: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "runqueue_autoprocessing_enabled",
			Help: "1 if autoprocessing is enabled, 0 otherwise",
		}),
	}
}

// Observe updates the gauges/counters implied by one engine event. It is
// meant to be called from the same goroutine draining Engine.Subscribe, so
// it never touches engine locks itself.
func (m *Metrics) Observe(ev engineapi.Event) {
	switch ev.Kind {
	case engineapi.EventRunListChanged:
		counts := map[queueitem.Status]float64{}
		for _, it := range ev.Items {
			counts[it.Status]++
		}
		for _, s := range queueitem.AllStatuses {
			m.ItemsByStatus.WithLabelValues(string(s)).Set(counts[s])
		}
	case engineapi.EventQueueChanged:
		m.QueueDepth.Set(float64(len(ev.Queue)))
	case engineapi.EventRunningIdsChanged:
		m.RunningWorkers.Set(float64(len(ev.Running)))
	case engineapi.EventAutoProcessingStateChanged:
		if ev.Bool {
			m.AutoProcessingOn.Set(1)
		} else {
			m.AutoProcessingOn.Set(0)
		}
	case engineapi.EventItemChanged:
		if ev.Item != nil && ev.Item.Status.IsTerminal() {
			m.ItemsFinished.WithLabelValues(string(ev.Item.Status)).Inc()
		}
	case engineapi.EventItemAdded:
		m.RecordAdd()
	}
}

// RecordAdd increments the items-added counter. Observe calls this for
// every EventItemAdded; exported separately so callers without a full
// Event (e.g. call-site instrumentation) can still bump the counter.
func (m *Metrics) RecordAdd() {
	m.ItemsAdded.Inc()
}
