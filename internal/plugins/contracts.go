// Package plugins defines the contracts the engine loads work through, the
// registry that resolves plugin names from configuration, and the built-in
// sources, transforms, and sinks.
package plugins

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// SourceRow is one yielded row: either valid or quarantined at the trust
// boundary. Quarantined rows never abort the run.
type SourceRow struct {
	Row         map[string]any
	Quarantined bool
	Reason      string
	// Destination names the sink quarantined rows route to; "discard"
	// drops them after recording.
	Destination string
}

// RowStream yields rows lazily, one at a time, in source order.
type RowStream interface {
	// Next returns the next row. ok is false when the source is drained.
	Next(ctx context.Context) (row SourceRow, ok bool, err error)
	Close() error
}

// Source streams rows into a pipeline.
type Source interface {
	Name() string
	Version() string
	Determinism() landscape.Determinism
	Load(ctx context.Context) (RowStream, error)
	// OnStart and OnComplete are lifecycle hooks around the run.
	OnStart(ctx context.Context) error
	OnComplete(ctx context.Context) error
	Close() error
}

// ResultStatus is the outcome of one transform invocation.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
)

// TransformResult reports a transform invocation. On success exactly one of
// Row / Rows is set; Rows is only legal for transforms that create tokens.
type TransformResult struct {
	Status    ResultStatus
	Row       map[string]any
	Rows      []map[string]any
	Reason    string
	Retryable bool
	// Capacity marks service pushback (rate limits, overload). Capacity
	// failures retry against a wall-clock budget instead of the attempt
	// counter.
	Capacity bool
}

// Success wraps a single output row.
func Success(row map[string]any) TransformResult {
	return TransformResult{Status: ResultSuccess, Row: row}
}

// SuccessMany wraps a 1→N deaggregation.
func SuccessMany(rows []map[string]any) TransformResult {
	return TransformResult{Status: ResultSuccess, Rows: rows}
}

// Failure wraps a row-level error. Retryable failures re-enqueue the row
// under the retry policy; terminal ones become FAILED outcomes.
func Failure(reason string, retryable bool) TransformResult {
	return TransformResult{Status: ResultError, Reason: reason, Retryable: retryable}
}

// CapacityFailure wraps external-service pushback (HTTP 429/503/529).
func CapacityFailure(reason string) TransformResult {
	return TransformResult{Status: ResultError, Reason: reason, Retryable: true, Capacity: true}
}

// Transform processes one row at a time (or a batch when BatchAware).
type Transform interface {
	Name() string
	Version() string
	Determinism() landscape.Determinism
	// BatchAware transforms buffer rows and process them per batch.
	BatchAware() bool
	// CreatesTokens marks 1→N deaggregators whose outputs become child
	// tokens via expansion.
	CreatesTokens() bool
	Process(ctx context.Context, row map[string]any) TransformResult
}

// BatchTransform is implemented by batch-aware transforms in addition to
// Transform. Results are positional: result i belongs to rows[i].
type BatchTransform interface {
	Transform
	ProcessBatch(ctx context.Context, rows []map[string]any) []TransformResult
}

// ArtifactDescriptor describes what a sink wrote.
type ArtifactDescriptor struct {
	PathOrURI   string
	ContentHash string
	SizeBytes   int64
}

// Sink persists rows in batches and reports the produced artifact.
type Sink interface {
	Name() string
	Version() string
	Write(ctx context.Context, rows []map[string]any) (*ArtifactDescriptor, error)
	Flush() error
	Close() error
}

// Merger implements a custom coalesce strategy: branch name → branch row in,
// one merged row out.
type Merger interface {
	Name() string
	Merge(ctx context.Context, branches map[string]map[string]any) (map[string]any, error)
}

// ConfigError reports an invalid plugin configuration at load time.
type ConfigError struct {
	Plugin string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Reason)
}

func configErrf(plugin, format string, args ...any) error {
	return &ConfigError{Plugin: plugin, Reason: fmt.Sprintf(format, args...)}
}

// stringOpt extracts a required string option.
func stringOpt(plugin string, opts map[string]any, key string) (string, error) {
	v, ok := opts[key]
	if !ok {
		return "", configErrf(plugin, "missing required option %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", configErrf(plugin, "option %q must be a string, got %T", key, v)
	}
	return s, nil
}

func stringOptDefault(opts map[string]any, key, def string) (string, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("option %q must be a string, got %T", key, v)
	}
	return s, nil
}
