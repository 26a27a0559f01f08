package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrAllExportersFailed is returned by Emit once every exporter has been
// disabled and fail_on_total_exporter_failure is set. The orchestrator
// treats it as a run-fatal condition at the next event.
var ErrAllExportersFailed = errors.New("telemetry: all exporters disabled")

// Exporter receives events. Implementations must tolerate concurrent
// Configure/Flush/Close with in-flight Exports being absent; the dispatcher
// serializes Export calls per exporter.
type Exporter interface {
	Name() string
	Configure(opts map[string]any) error
	Export(ev Event) error
	Flush() error
	Close() error
}

// Config is the dispatcher configuration from the telemetry section.
type Config struct {
	Enabled                    bool
	Granularity                Granularity
	BackpressureMode           BackpressureMode
	QueueSize                  int
	MaxConsecutiveFailures     int
	FailOnTotalExporterFailure bool
}

// Validate rejects unimplemented backpressure modes at load time.
func (c Config) Validate() error {
	if !c.BackpressureMode.Implemented() {
		return fmt.Errorf("telemetry: backpressure mode %q is declared but not implemented; use %q", c.BackpressureMode, Block)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("telemetry: queue size must be >= 1, got %d", c.QueueSize)
	}
	if c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("telemetry: max_consecutive_failures must be >= 1, got %d", c.MaxConsecutiveFailures)
	}
	return nil
}

type exporterState struct {
	exp      Exporter
	queue    chan Event
	done     chan struct{}
	pending  int // queued + in-flight events, guarded by the dispatcher mutex
	failures int
	disabled bool
}

// Dispatcher fans events out to exporters, one bounded queue and worker per
// exporter. With Block backpressure a full queue blocks Emit, trading
// throughput for zero event loss.
type Dispatcher struct {
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics

	mu        sync.Mutex
	exporters []*exporterState
	closed    bool
}

func NewDispatcher(cfg Config, exporters []Exporter, metrics *Metrics, log zerolog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:     cfg,
		log:     log.With().Str("component", "telemetry").Logger(),
		metrics: metrics,
	}
	for _, exp := range exporters {
		st := &exporterState{
			exp:   exp,
			queue: make(chan Event, cfg.QueueSize),
			done:  make(chan struct{}),
		}
		d.exporters = append(d.exporters, st)
		go d.drain(st)
	}
	return d, nil
}

// Emit dispatches the event to every live exporter. It returns
// ErrAllExportersFailed only under the escalation rule; all other export
// trouble is logged and counted, never surfaced.
func (d *Dispatcher) Emit(ev Event) error {
	if !d.cfg.Enabled || ev.Granularity > d.cfg.Granularity {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	live := 0
	targets := make([]*exporterState, 0, len(d.exporters))
	for _, st := range d.exporters {
		if !st.disabled {
			live++
			targets = append(targets, st)
		}
	}
	total := len(d.exporters)
	d.mu.Unlock()

	if total > 0 && live == 0 && d.cfg.FailOnTotalExporterFailure {
		return ErrAllExportersFailed
	}
	for _, st := range targets {
		d.mu.Lock()
		st.pending++
		d.mu.Unlock()
		st.queue <- ev // Block backpressure
		d.metrics.Dispatched.WithLabelValues(st.exp.Name(), ev.Type).Inc()
	}
	return nil
}

func (d *Dispatcher) drain(st *exporterState) {
	defer close(st.done)
	for ev := range st.queue {
		d.export(st, ev)
		d.mu.Lock()
		st.pending--
		d.mu.Unlock()
	}
}

func (d *Dispatcher) export(st *exporterState, ev Event) {
	d.mu.Lock()
	disabled := st.disabled
	d.mu.Unlock()
	if disabled {
		return
	}
	if err := st.exp.Export(ev); err != nil {
		d.metrics.ExportFailures.WithLabelValues(st.exp.Name()).Inc()
		d.mu.Lock()
		st.failures++
		hitLimit := st.failures >= d.cfg.MaxConsecutiveFailures
		if hitLimit {
			st.disabled = true
		}
		d.mu.Unlock()
		if hitLimit {
			d.metrics.ExportersDisabled.WithLabelValues(st.exp.Name()).Inc()
			d.log.Error().Err(err).Str("exporter", st.exp.Name()).
				Int("consecutive_failures", st.failures).
				Msg("exporter disabled after repeated failures")
		} else {
			d.log.Warn().Err(err).Str("exporter", st.exp.Name()).Msg("export failed")
		}
		return
	}
	d.mu.Lock()
	st.failures = 0
	d.mu.Unlock()
}

// Flush blocks until every queued event has been exported, not merely
// dequeued, then flushes exporters. Waiting on the pending count rather
// than the queue length keeps in-flight exports inside the flush boundary.
func (d *Dispatcher) Flush() error {
	for _, st := range d.exporters {
		for {
			d.mu.Lock()
			busy := st.pending > 0
			d.mu.Unlock()
			if !busy {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
	var firstErr error
	for _, st := range d.exporters {
		if err := st.exp.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close drains and closes every exporter. Emit after Close is a no-op.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	for _, st := range d.exporters {
		close(st.queue)
		<-st.done
		if err := st.exp.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := st.exp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics are the dispatcher's prometheus counters.
type Metrics struct {
	Dispatched        *prometheus.CounterVec
	ExportFailures    *prometheus.CounterVec
	ExportersDisabled *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elspeth_telemetry_events_dispatched_total",
			Help: "Events enqueued per exporter and event type.",
		}, []string{"exporter", "event_type"}),
		ExportFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elspeth_telemetry_export_failures_total",
			Help: "Export attempts that returned an error.",
		}, []string{"exporter"}),
		ExportersDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elspeth_telemetry_exporters_disabled_total",
			Help: "Exporters disabled after consecutive failures.",
		}, []string{"exporter"}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatched, m.ExportFailures, m.ExportersDisabled)
	}
	return m
}
