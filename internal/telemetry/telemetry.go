// Package telemetry emits typed runtime events to pluggable exporters
// through a bounded-queue dispatcher. Export failures never crash the
// pipeline; they disable the failing exporter after a configured streak and
// can escalate only when every exporter is gone and the operator asked for
// that.
package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Granularity orders event verbosity. An event is dispatched when its
// granularity is at or below the configured level.
type Granularity int

const (
	Lifecycle Granularity = iota
	Detailed
	Debug
)

func (g Granularity) String() string {
	switch g {
	case Lifecycle:
		return "lifecycle"
	case Detailed:
		return "detailed"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lifecycle":
		return Lifecycle, nil
	case "detailed":
		return Detailed, nil
	case "debug":
		return Debug, nil
	default:
		return 0, fmt.Errorf("invalid telemetry granularity: %q", s)
	}
}

// BackpressureMode selects what happens when an exporter queue is full.
// Only Block is implemented; the others are declared so configs naming them
// fail at load with a clear message instead of a typo error.
type BackpressureMode string

const (
	Block      BackpressureMode = "block"
	DropNewest BackpressureMode = "drop_newest"
	DropOldest BackpressureMode = "drop_oldest"
	Slow       BackpressureMode = "slow"
)

func ParseBackpressureMode(s string) (BackpressureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "block":
		return Block, nil
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "slow":
		return Slow, nil
	default:
		return "", fmt.Errorf("invalid backpressure mode: %q", s)
	}
}

// Implemented reports whether the dispatcher supports the mode.
func (m BackpressureMode) Implemented() bool { return m == Block }

// Event is a frozen telemetry record. Fields is owned by the event after
// construction; callers must not mutate it.
type Event struct {
	Type        string
	Timestamp   time.Time
	RunID       string
	Granularity Granularity
	Fields      map[string]any
}

func newEvent(kind string, g Granularity, runID string, fields map[string]any) Event {
	return Event{
		Type:        kind,
		Timestamp:   time.Now().UTC(),
		RunID:       runID,
		Granularity: g,
		Fields:      fields,
	}
}

func RunStarted(runID, configHash string) Event {
	return newEvent("run_started", Lifecycle, runID, map[string]any{"config_hash": configHash})
}

func RunCompleted(runID string, status string, rows int) Event {
	return newEvent("run_completed", Lifecycle, runID, map[string]any{"status": status, "rows": rows})
}

func RowProcessed(runID, tokenID string, rowIndex int, outcome string) Event {
	return newEvent("row_processed", Detailed, runID, map[string]any{
		"token_id": tokenID, "row_index": rowIndex, "outcome": outcome,
	})
}

func NodeCompleted(runID, tokenID, nodeID string, durationMS float64) Event {
	return newEvent("node_completed", Debug, runID, map[string]any{
		"token_id": tokenID, "node_id": nodeID, "duration_ms": durationMS,
	})
}

func BatchFlushed(runID, nodeID, batchID string, size int) Event {
	return newEvent("batch_flushed", Detailed, runID, map[string]any{
		"node_id": nodeID, "batch_id": batchID, "size": size,
	})
}

func RowFailed(runID, tokenID string, attempts int, reason string) Event {
	return newEvent("row_failed", Detailed, runID, map[string]any{
		"token_id": tokenID, "attempts": attempts, "reason": reason,
	})
}
