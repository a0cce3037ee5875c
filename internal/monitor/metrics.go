package monitor

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/internal/signal"
)

const namespace = "execution_core"

// Metrics records core activity on a private Prometheus registry and keeps
// a small in-process snapshot for the status endpoint.
type Metrics struct {
	reg *prometheus.Registry

	orders        *prometheus.CounterVec
	signals       *prometheus.CounterVec
	riskTicks     prometheus.Counter
	riskCloses    *prometheus.CounterVec
	riskSkipped   *prometheus.CounterVec
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	equity        prometheus.Gauge
	cash          prometheus.Gauge
	positionValue prometheus.Gauge
	exposure      prometheus.Gauge
	openPositions prometheus.Gauge
	stale         prometheus.Gauge
	guardMode     *prometheus.GaugeVec

	ordersProcessed  uint64
	signalsProcessed uint64
	riskClosed       uint64
	taskFailures     uint64

	mu          sync.Mutex
	taskLatency map[string]*LatencyHistogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		orders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total", Help: "Simulated orders by side and reason",
		}, []string{"side", "reason"}),
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Signal decisions by outcome and code",
		}, []string{"outcome", "code"}),
		riskTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "ticks_total", Help: "Risk ticks run",
		}),
		riskCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "closes_total", Help: "Positions closed by the risk engine",
		}, []string{"reason"}),
		riskSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "skipped_total", Help: "Positions or ticks the risk engine could not act on",
		}, []string{"cause"}),
		taskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "runs_total", Help: "Scheduled task runs by result",
		}, []string{"task", "result"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "run_duration_seconds", Help: "Scheduled task duration",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"task"}),
		equity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "equity", Help: "Cash plus marked positions value",
		}),
		cash: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "cash", Help: "Ledger cash",
		}),
		positionValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "positions_value", Help: "Marked value of open positions",
		}),
		exposure: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "exposure_ratio", Help: "positions_value / equity",
		}),
		openPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "open_positions", Help: "Open positions",
		}),
		stale: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "stale_positions", Help: "Positions valued at an old mark",
		}),
		guardMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guard", Name: "mode", Help: "1 for the active trade guard mode",
		}, []string{"mode"}),
		taskLatency: make(map[string]*LatencyHistogram),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchBus exports the bus drop counter.
func (m *Metrics) WatchBus(b *events.Bus) {
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber was full",
	}, func() float64 { return float64(b.Dropped()) })
}

// OnFill implements order.FillObserver.
func (m *Metrics) OnFill(_ context.Context, fill ledger.Fill) {
	reason := fill.Order.Reason
	if reason == "" {
		reason = "manual"
	}
	m.orders.WithLabelValues(string(fill.Order.Side), reason).Inc()
	atomic.AddUint64(&m.ordersProcessed, 1)
}

// ObserveSignal implements signal.Observer.
func (m *Metrics) ObserveSignal(res signal.Result) {
	m.signals.WithLabelValues(res.Outcome, string(res.Code)).Inc()
	atomic.AddUint64(&m.signalsProcessed, 1)
}

// ObserveRiskTick implements risk.TickObserver.
func (m *Metrics) ObserveRiskTick(r risk.TickReport) {
	m.riskTicks.Inc()
	for _, c := range r.Closes {
		m.riskCloses.WithLabelValues(string(c.Reason)).Inc()
	}
	atomic.AddUint64(&m.riskClosed, uint64(r.Closed))
	if r.SkippedStale > 0 {
		m.riskSkipped.WithLabelValues("stale_price").Add(float64(r.SkippedStale))
	}
	if r.GuardBlocked > 0 {
		m.riskSkipped.WithLabelValues("guard_blocked").Add(float64(r.GuardBlocked))
	}
	if r.Errors > 0 {
		m.riskSkipped.WithLabelValues("error").Add(float64(r.Errors))
	}
	if r.ConfigInvalid {
		m.riskSkipped.WithLabelValues("config_invalid").Inc()
	}
}

// ObserveTask records one scheduler dispatch. result is ok, failed or
// skipped; skipped runs carry no duration.
func (m *Metrics) ObserveTask(name, result string, d time.Duration) {
	m.taskRuns.WithLabelValues(name, result).Inc()
	if result == "skipped" {
		return
	}
	if result == "failed" {
		atomic.AddUint64(&m.taskFailures, 1)
	}
	m.taskDuration.WithLabelValues(name).Observe(d.Seconds())

	m.mu.Lock()
	h, ok := m.taskLatency[name]
	if !ok {
		h = NewLatencyHistogram(0)
		m.taskLatency[name] = h
	}
	m.mu.Unlock()
	h.RecordDuration(d)
}

// SetValuation refreshes the ledger gauges.
func (m *Metrics) SetValuation(v ledger.Valuation) {
	m.equity.Set(v.Equity.InexactFloat64())
	m.cash.Set(v.Cash.InexactFloat64())
	m.positionValue.Set(v.PositionsValue.InexactFloat64())
	if x, ok := v.Exposure(); ok {
		m.exposure.Set(x.InexactFloat64())
	}
	m.openPositions.Set(float64(len(v.Positions)))
	m.stale.Set(float64(len(v.Stale)))
}

// SetGuardMode marks mode as the active one.
func (m *Metrics) SetGuardMode(mode guard.Mode) {
	for _, candidate := range []guard.Mode{guard.ModeLive, guard.ModeCloseOnly, guard.ModeLocked} {
		val := 0.0
		if candidate == mode {
			val = 1
		}
		m.guardMode.WithLabelValues(string(candidate)).Set(val)
	}
}

// MetricsSnapshot is the JSON view served on the status endpoint.
type MetricsSnapshot struct {
	OrdersProcessed  uint64                  `json:"orders_processed"`
	SignalsProcessed uint64                  `json:"signals_processed"`
	RiskClosed       uint64                  `json:"risk_closed"`
	TaskFailures     uint64                  `json:"task_failures"`
	TaskLatency      map[string]LatencyStats `json:"task_latency_ms"`
	GoroutineCount   int                     `json:"goroutine_count"`
	HeapAlloc        uint64                  `json:"heap_alloc_bytes"`
	HeapSys          uint64                  `json:"heap_sys_bytes"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Snapshot returns a point-in-time view.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.Lock()
	latency := make(map[string]LatencyStats, len(m.taskLatency))
	for name, h := range m.taskLatency {
		latency[name] = h.Stats()
	}
	m.mu.Unlock()

	return MetricsSnapshot{
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		SignalsProcessed: atomic.LoadUint64(&m.signalsProcessed),
		RiskClosed:       atomic.LoadUint64(&m.riskClosed),
		TaskFailures:     atomic.LoadUint64(&m.taskFailures),
		TaskLatency:      latency,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}
