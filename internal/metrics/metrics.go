// Package metrics exposes the Prometheus collectors of the sync backend.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atelier"

// Result labels.
const (
	ResultAccepted  = "accepted"
	ResultUnchanged = "unchanged"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
	ResultOK        = "ok"
)

// Collector groups the collectors and tolerates a nil receiver so components can run
// without metrics in tests.
type Collector struct {
	sessionsActive     prometheus.Gauge
	syncMessages       *prometheus.CounterVec
	documentUpdates    *prometheus.CounterVec
	snapshotWrites     *prometheus.CounterVec
	subscribersEvicted prometheus.Counter
	documentsLive      prometheus.Gauge
	importDuration     prometheus.Histogram
}

// NewCollector constructs the collectors and registers them on the registerer.
func NewCollector(registerer prometheus.Registerer) (*Collector, error) {
	collector := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "sessions_active",
			Help:      "Open sync sessions.",
		}),
		syncMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Inbound sync messages by result.",
		}, []string{"result"}),
		documentUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "updates_total",
			Help:      "Imported document updates by source and result.",
		}, []string{"source", "result"}),
		snapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "snapshot_writes_total",
			Help:      "Snapshot persistence attempts by result.",
		}, []string{"result"}),
		subscribersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subscribers_evicted_total",
			Help:      "Subscribers closed because their queue overflowed.",
		}),
		documentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "live",
			Help:      "Documents held in memory.",
		}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "documents",
			Name:      "import_duration_seconds",
			Help:      "Time spent importing, persisting and broadcasting one update.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
	if registerer == nil {
		return collector, nil
	}
	for _, item := range collector.collectors() {
		if err := registerer.Register(item); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return collector, nil
}

func (collector *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		collector.sessionsActive,
		collector.syncMessages,
		collector.documentUpdates,
		collector.snapshotWrites,
		collector.subscribersEvicted,
		collector.documentsLive,
		collector.importDuration,
	}
}

// SessionOpened increments the active session gauge.
func (collector *Collector) SessionOpened() {
	if collector == nil {
		return
	}
	collector.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (collector *Collector) SessionClosed() {
	if collector == nil {
		return
	}
	collector.sessionsActive.Dec()
}

// SyncMessage counts one inbound sync message.
func (collector *Collector) SyncMessage(result string) {
	if collector == nil {
		return
	}
	collector.syncMessages.WithLabelValues(result).Inc()
}

// DocumentUpdate counts one import attempt.
func (collector *Collector) DocumentUpdate(source, result string) {
	if collector == nil {
		return
	}
	collector.documentUpdates.WithLabelValues(source, result).Inc()
}

// SnapshotWrite counts one snapshot persistence attempt.
func (collector *Collector) SnapshotWrite(result string) {
	if collector == nil {
		return
	}
	collector.snapshotWrites.WithLabelValues(result).Inc()
}

// SubscriberEvicted counts one lagging subscriber eviction.
func (collector *Collector) SubscriberEvicted() {
	if collector == nil {
		return
	}
	collector.subscribersEvicted.Inc()
}

// DocumentsLive sets the in-memory document count.
func (collector *Collector) DocumentsLive(count int) {
	if collector == nil {
		return
	}
	collector.documentsLive.Set(float64(count))
}

// ObserveImport records the duration of one import.
func (collector *Collector) ObserveImport(started time.Time) {
	if collector == nil {
		return
	}
	collector.importDuration.Observe(time.Since(started).Seconds())
}
