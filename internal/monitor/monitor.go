package monitor

import (
	"fuzzhub/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

// Monitor holds the Prometheus instruments of the supervisor. A nil Monitor
// records nothing.
type Monitor struct {
	liveFuzzers     prometheus.Gauge
	eventsEmitted   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	crashes         *prometheus.CounterVec
	collectorErrors *prometheus.CounterVec
	execPerSec      *prometheus.GaugeVec
	coverage        *prometheus.GaugeVec
}

func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		liveFuzzers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fuzzhub_live_fuzzers",
			Help: "Fuzzer instances currently supervised",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzhub_events_emitted_total",
			Help: "Events emitted on the bus",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzhub_events_dropped_total",
			Help: "Events dropped by the forwarder queue",
		}, []string{"type"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzhub_crashes_recorded_total",
			Help: "Crash reports recorded, by whether the signature was new",
		}, []string{"campaign_id", "result"}),
		collectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fuzzhub_collector_errors_total",
			Help: "Failed collector ticks",
		}, []string{"collector"}),
		execPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuzzhub_fuzzer_execs_per_second",
			Help: "Last sampled executions per second",
		}, []string{"fuzzer_id", "fuzzer_type"}),
		coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fuzzhub_fuzzer_coverage",
			Help: "Last sampled coverage",
		}, []string{"fuzzer_id", "fuzzer_type"}),
	}
	reg.MustRegister(
		m.liveFuzzers,
		m.eventsEmitted,
		m.eventsDropped,
		m.crashes,
		m.collectorErrors,
		m.execPerSec,
		m.coverage,
	)
	return m
}

func (m *Monitor) SetLiveFuzzers(n int) {
	if m == nil {
		return
	}
	m.liveFuzzers.Set(float64(n))
}

func (m *Monitor) EventEmitted(ev bus.Event) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(ev.Type).Inc()
}

func (m *Monitor) EventDropped(ev bus.Event) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(ev.Type).Inc()
}

func (m *Monitor) CrashRecorded(campaignID string, created bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if created {
		result = "new"
	}
	m.crashes.WithLabelValues(campaignID, result).Inc()
}

func (m *Monitor) CollectorError(collector string) {
	if m == nil {
		return
	}
	m.collectorErrors.WithLabelValues(collector).Inc()
}

func (m *Monitor) FuzzerSample(fuzzerID, fuzzerType string, execPerSec, coverage float64) {
	if m == nil {
		return
	}
	m.execPerSec.WithLabelValues(fuzzerID, fuzzerType).Set(execPerSec)
	m.coverage.WithLabelValues(fuzzerID, fuzzerType).Set(coverage)
}

// ForgetFuzzer drops the per-fuzzer series of a stopped instance.
func (m *Monitor) ForgetFuzzer(fuzzerID, fuzzerType string) {
	if m == nil {
		return
	}
	m.execPerSec.DeleteLabelValues(fuzzerID, fuzzerType)
	m.coverage.DeleteLabelValues(fuzzerID, fuzzerType)
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors next to the supervisor's own metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

type DropHookResult struct {
	fx.Out

	OnDrop func(bus.Event) `name:"event_drop_hook"`
}

func provideDropHook(m *Monitor) DropHookResult {
	return DropHookResult{OnDrop: m.EventDropped}
}

// subscribe counts every event that crosses the bus.
func subscribe(b *bus.EventBus, m *Monitor) {
	b.Subscribe(bus.Wildcard, bus.NewHandler(func(ev bus.Event) error {
		m.EventEmitted(ev)
		return nil
	}))
}

var Module = fx.Options(
	fx.Provide(NewRegistry),
	fx.Provide(func(reg *prometheus.Registry) *Monitor { return NewMonitor(reg) }),
	fx.Provide(provideDropHook),
	fx.Invoke(subscribe),
)
