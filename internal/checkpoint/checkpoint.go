// Package checkpoint persists durable progress markers and gates resume.
// Checkpoints are bound to the topology and node config they were taken
// under; any mismatch, in either direction of version skew, rejects resume.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// FormatVersion is the current checkpoint format. Resume requires an exact
// match: older and newer checkpoints are both rejected.
const FormatVersion = 2

// IncompatibleCheckpointError rejects a resume attempt with the reason.
type IncompatibleCheckpointError struct {
	RunID  string
	Reason string
}

func (e *IncompatibleCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint: cannot resume run %s: %s", e.RunID, e.Reason)
}

// ErrNoCheckpoint means the run has no checkpoint to resume from.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint exists")

// Interval controls when checkpoints are taken.
type Interval struct {
	// EveryNRows takes a checkpoint each time N rows reached a terminal
	// outcome. 1 means every row; 0 disables row-interval checkpoints.
	EveryNRows int
	// OnAggregationBoundary takes a checkpoint when a batch flushes.
	OnAggregationBoundary bool
}

// Manager writes checkpoints through the recorder and answers resume
// queries through the reader.
type Manager struct {
	rec      *landscape.Recorder
	rd       *landscape.Reader
	log      zerolog.Logger
	interval Interval

	seq       int64
	sinceLast int
}

func NewManager(rec *landscape.Recorder, rd *landscape.Reader, interval Interval, log zerolog.Logger) *Manager {
	return &Manager{
		rec:      rec,
		rd:       rd,
		log:      log.With().Str("component", "checkpoint").Logger(),
		interval: interval,
	}
}

// SeedSequence primes the sequence counter on resume so new checkpoints
// continue past the recovered one.
func (m *Manager) SeedSequence(seq int64) { m.seq = seq }

// Mark is called after a row reaches a terminal outcome. It persists a
// checkpoint when the configured row interval is due.
func (m *Manager) Mark(ctx context.Context, runID, tokenID, nodeID, topologyHash, nodeConfigHash string, aggState *string) error {
	if m.interval.EveryNRows == 0 {
		return nil
	}
	m.sinceLast++
	if m.sinceLast < m.interval.EveryNRows {
		return nil
	}
	m.sinceLast = 0
	return m.write(ctx, runID, tokenID, nodeID, topologyHash, nodeConfigHash, aggState)
}

// MarkAggregationBoundary persists a checkpoint after a batch flush when
// enabled.
func (m *Manager) MarkAggregationBoundary(ctx context.Context, runID, tokenID, nodeID, topologyHash, nodeConfigHash string, aggState *string) error {
	if !m.interval.OnAggregationBoundary {
		return nil
	}
	return m.write(ctx, runID, tokenID, nodeID, topologyHash, nodeConfigHash, aggState)
}

func (m *Manager) write(ctx context.Context, runID, tokenID, nodeID, topologyHash, nodeConfigHash string, aggState *string) error {
	m.seq++
	// aggState nil means absent; "{}" means present-but-empty. The two are
	// distinct on resume and must round-trip unchanged.
	cp, err := m.rec.WriteCheckpoint(ctx, landscape.Checkpoint{
		RunID:                    runID,
		TokenID:                  tokenID,
		NodeID:                   nodeID,
		SequenceNumber:           m.seq,
		AggregationStateJSON:     aggState,
		UpstreamTopologyHash:     topologyHash,
		CheckpointNodeConfigHash: nodeConfigHash,
		FormatVersion:            FormatVersion,
	})
	if err != nil {
		return err
	}
	m.log.Debug().Str("run_id", runID).Int64("sequence", cp.SequenceNumber).Msg("checkpoint written")
	return nil
}

// Clear deletes all checkpoints of a run. Called on successful completion
// and by explicit purge.
func (m *Manager) Clear(ctx context.Context, runID string) error {
	n, err := m.rec.DeleteCheckpoints(ctx, runID)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info().Str("run_id", runID).Int64("deleted", n).Msg("checkpoints cleared")
	}
	return nil
}

// Resumable is the positive answer from CanResume.
type Resumable struct {
	Checkpoint *landscape.Checkpoint
}

// CanResume decides whether a run may be resumed against the currently
// loaded graph. The topology hash and the checkpointed node's config hash
// must match exactly, and the format version must equal FormatVersion.
func CanResume(ctx context.Context, rd *landscape.Reader, runID, topologyHash, nodeConfigHash string) (*Resumable, error) {
	run, err := rd.GetRun(ctx, runID)
	if err != nil {
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: "run not found"}
	}
	switch run.Status {
	case landscape.RunCompleted:
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: "run already completed"}
	case landscape.RunRunning:
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: "run is still running"}
	}
	cp, err := rd.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: ErrNoCheckpoint.Error()}
	}
	if cp.FormatVersion != FormatVersion {
		return nil, &IncompatibleCheckpointError{
			RunID:  runID,
			Reason: fmt.Sprintf("format_version %d != current %d (cross-version resume is forbidden in both directions)", cp.FormatVersion, FormatVersion),
		}
	}
	if cp.UpstreamTopologyHash != topologyHash {
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: "upstream topology hash differs from the loaded graph"}
	}
	if cp.CheckpointNodeConfigHash != nodeConfigHash {
		return nil, &IncompatibleCheckpointError{RunID: runID, Reason: "checkpoint node config hash differs from the loaded graph"}
	}
	return &Resumable{Checkpoint: cp}, nil
}

// UnprocessedRows returns the rows that must be replayed after resuming
// from cp, in row_index order. The cut is strictly by row_index: every row
// after the checkpointed token's source row is unprocessed. Counting
// terminal events would be wrong here because forks and expansions emit
// several terminal events per source row.
func UnprocessedRows(ctx context.Context, rd *landscape.Reader, runID string, cp *landscape.Checkpoint) ([]*landscape.Row, error) {
	tok, err := rd.GetToken(ctx, cp.TokenID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint token %s: %w", cp.TokenID, err)
	}
	rows, err := rd.RowsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	checkpointIndex := -1
	for _, row := range rows {
		if row.RowID == tok.RowID {
			checkpointIndex = row.RowIndex
			break
		}
	}
	if checkpointIndex < 0 {
		return nil, fmt.Errorf("checkpoint token %s references unknown row %s", cp.TokenID, tok.RowID)
	}
	var out []*landscape.Row
	for _, row := range rows {
		if row.RowIndex > checkpointIndex {
			out = append(out, row)
		}
	}
	return out, nil
}
