// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps prometheus collectors for the meeting-bot control plane.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	deploymentsTotal  *prometheus.CounterVec
	placementRefusals *prometheus.CounterVec
	queueTimeouts     *prometheus.CounterVec
	eventsIngested    prometheus.Counter
	eventsDropped     prometheus.Counter
	heartbeatsTotal   prometheus.Counter
	monitorSweeps     *prometheus.CounterVec
	botsReaped        *prometheus.CounterVec
	slotRecoveries    *prometheus.CounterVec

	// Gauges
	poolSlots        *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	deploysInFlight  prometheus.Gauge
	deployWaiters    prometheus.Gauge

	// Histograms
	deployDuration    *prometheus.HistogramVec
	heartbeatDuration prometheus.Histogram
}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the process-wide metrics, initializing on first use.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.NewRegistry())
	})
	return global
}

// New builds the collector set on the given registry.
func New(registry *prometheus.Registry) *Metrics {
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "deployments_total",
				Help:      "Total bot deployment attempts by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		placementRefusals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "placement_refusals_total",
				Help:      "Placement attempts refused by an adapter",
			},
			[]string{"platform"},
		),
		queueTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "queue_timeouts_total",
				Help:      "Wait-queue entries that expired before placement",
			},
			[]string{"queue"},
		),
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meeboter",
			Name:      "events_ingested_total",
			Help:      "Bot events accepted by the intake batcher",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meeboter",
			Name:      "events_dropped_total",
			Help:      "Bot events dropped after a failed batch insert",
		}),
		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meeboter",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from bot containers",
		}),
		monitorSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "monitor_sweeps_total",
				Help:      "Lifecycle monitor passes by monitor name",
			},
			[]string{"monitor"},
		),
		botsReaped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "bots_reaped_total",
				Help:      "Bots forced to FATAL by a monitor, by reason",
			},
			[]string{"reason"},
		),
		slotRecoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meeboter",
				Name:      "slot_recoveries_total",
				Help:      "Pool slot recovery actions by outcome",
			},
			[]string{"outcome"},
		),

		poolSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "meeboter",
				Name:      "pool_slots",
				Help:      "Pool slots by status",
			},
			[]string{"status"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "meeboter",
				Name:      "queue_depth",
				Help:      "Waiting entries per queue",
			},
			[]string{"queue"},
		),
		deploysInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meeboter",
			Name:      "deploys_in_flight",
			Help:      "Deployments currently holding a concurrency permit",
		}),
		deployWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meeboter",
			Name:      "deploy_waiters",
			Help:      "Deployments waiting on the concurrency semaphore",
		}),

		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meeboter",
				Name:      "deploy_duration_seconds",
				Help:      "Wall time from placement start to adapter accept",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"platform"},
		),
		heartbeatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meeboter",
			Name:      "heartbeat_duration_seconds",
			Help:      "Heartbeat handler round-trip time",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}

	registry.MustRegister(
		m.deploymentsTotal, m.placementRefusals, m.queueTimeouts,
		m.eventsIngested, m.eventsDropped, m.heartbeatsTotal,
		m.monitorSweeps, m.botsReaped, m.slotRecoveries,
		m.poolSlots, m.queueDepth, m.deploysInFlight, m.deployWaiters,
		m.deployDuration, m.heartbeatDuration,
	)
	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDeployment(platform, outcome string) {
	m.deploymentsTotal.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) RecordRefusal(platform string) {
	m.placementRefusals.WithLabelValues(platform).Inc()
}

func (m *Metrics) RecordQueueTimeout(queue string) {
	m.queueTimeouts.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordEventsIngested(n int) {
	m.eventsIngested.Add(float64(n))
}

func (m *Metrics) RecordEventsDropped(n int) {
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) RecordHeartbeat(seconds float64) {
	m.heartbeatsTotal.Inc()
	m.heartbeatDuration.Observe(seconds)
}

func (m *Metrics) RecordMonitorSweep(monitor string) {
	m.monitorSweeps.WithLabelValues(monitor).Inc()
}

func (m *Metrics) RecordBotReaped(reason string) {
	m.botsReaped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSlotRecovery(outcome string) {
	m.slotRecoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetPoolSlots(status string, n int) {
	m.poolSlots.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) DeployPermitAcquired() { m.deploysInFlight.Inc() }
func (m *Metrics) DeployPermitReleased() { m.deploysInFlight.Dec() }
func (m *Metrics) DeployWaiterAdded()    { m.deployWaiters.Inc() }
func (m *Metrics) DeployWaiterRemoved()  { m.deployWaiters.Dec() }

func (m *Metrics) ObserveDeployDuration(platform string, seconds float64) {
	m.deployDuration.WithLabelValues(platform).Observe(seconds)
}
