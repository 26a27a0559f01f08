package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureExporter struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	delay  time.Duration
}

func (c *captureExporter) Name() string                   { return "capture" }
func (c *captureExporter) Configure(map[string]any) error { return nil }
func (c *captureExporter) Flush() error                   { return nil }
func (c *captureExporter) Close() error                   { return nil }

func (c *captureExporter) Export(ev Event) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("export refused")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureExporter) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func testConfig() Config {
	return Config{
		Enabled:                true,
		Granularity:            Detailed,
		BackpressureMode:       Block,
		QueueSize:              16,
		MaxConsecutiveFailures: 3,
	}
}

func TestConfigValidate_RejectsUnimplementedModes(t *testing.T) {
	for _, mode := range []BackpressureMode{DropNewest, DropOldest, Slow} {
		cfg := testConfig()
		cfg.BackpressureMode = mode
		err := cfg.Validate()
		require.Error(t, err, string(mode))
		assert.Contains(t, err.Error(), "not implemented")
	}
	require.NoError(t, testConfig().Validate())
}

func TestDispatcher_GranularityFilter(t *testing.T) {
	cap := &captureExporter{}
	d, err := NewDispatcher(testConfig(), []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, d.Emit(RunStarted("run_1", "hash")))                  // lifecycle: kept
	require.NoError(t, d.Emit(RowProcessed("run_1", "tok_1", 0, "completed"))) // detailed: kept
	require.NoError(t, d.Emit(NodeCompleted("run_1", "tok_1", "n1", 3)))     // debug: filtered
	require.NoError(t, d.Close())

	assert.Equal(t, 2, cap.count())
}

func TestDispatcher_DisablesAfterConsecutiveFailures(t *testing.T) {
	cap := &captureExporter{fail: true}
	cfg := testConfig()
	d, err := NewDispatcher(cfg, []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < cfg.MaxConsecutiveFailures; i++ {
		require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
	}
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.exporters[0].disabled
	}, time.Second, 5*time.Millisecond)

	// Recovery after disable does not resurrect the exporter.
	cap.setFail(false)
	require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
	require.NoError(t, d.Close())
	assert.Equal(t, 0, cap.count())
}

func TestDispatcher_SuccessResetsFailureStreak(t *testing.T) {
	cap := &captureExporter{}
	cfg := testConfig()
	d, err := NewDispatcher(cfg, []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		cap.setFail(i%2 == 0) // never more than one consecutive failure
		require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
		require.NoError(t, d.Flush())
	}
	require.NoError(t, d.Close())
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.False(t, d.exporters[0].disabled)
}

func TestDispatcher_FlushWaitsForInFlightExports(t *testing.T) {
	cap := &captureExporter{delay: 5 * time.Millisecond}
	d, err := NewDispatcher(testConfig(), []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	// The worker dequeues before exporting, so an empty queue alone does not
	// mean the last event reached the exporter.
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
	}
	require.NoError(t, d.Flush())
	assert.Equal(t, 3, cap.count())
}

func TestDispatcher_TotalFailureEscalation(t *testing.T) {
	cap := &captureExporter{fail: true}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1
	cfg.FailOnTotalExporterFailure = true
	d, err := NewDispatcher(cfg, []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.exporters[0].disabled
	}, time.Second, 5*time.Millisecond)

	err = d.Emit(RunStarted("run_1", "hash"))
	assert.ErrorIs(t, err, ErrAllExportersFailed)
}

func TestDispatcher_DisabledConfigDropsEverything(t *testing.T) {
	cap := &captureExporter{}
	cfg := testConfig()
	cfg.Enabled = false
	d, err := NewDispatcher(cfg, []Exporter{cap}, NewMetrics(nil), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.Emit(RunStarted("run_1", "hash")))
	require.NoError(t, d.Close())
	assert.Equal(t, 0, cap.count())
}

func TestConsoleExporter_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	exp := NewConsoleExporter(&buf)
	require.NoError(t, exp.Configure(map[string]any{"pretty": false}))
	require.NoError(t, exp.Export(RunStarted("run_1", "confighash")))
	line := strings.TrimSpace(buf.String())
	assert.Contains(t, line, `"type":"run_started"`)
	assert.Contains(t, line, `"run_id":"run_1"`)

	assert.Error(t, exp.Configure(map[string]any{"pretty": "yes"}))
}
