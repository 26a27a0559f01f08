package landscape

import (
	"context"
	"database/sql"
	"fmt"
)

// WriteCheckpoint persists one checkpoint row. Sequence numbers are assigned
// by the caller and strictly increase within a run.
func (r *Recorder) WriteCheckpoint(ctx context.Context, cp Checkpoint) (*Checkpoint, error) {
	cp.CheckpointID = newID("ckpt")
	cp.CreatedAt = r.clock()
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO checkpoints (checkpoint_id, run_id, token_id, node_id, sequence_number,
				aggregation_state_json, upstream_topology_hash, checkpoint_node_config_hash, created_at, format_version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.CheckpointID, cp.RunID, cp.TokenID, cp.NodeID, cp.SequenceNumber,
			cp.AggregationStateJSON, cp.UpstreamTopologyHash, cp.CheckpointNodeConfigHash,
			fmtTime(cp.CreatedAt), cp.FormatVersion)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("write checkpoint seq=%d: %w", cp.SequenceNumber, err)
	}
	return &cp, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint of a run, or nil
// when the run has none.
func (r *Reader) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	var (
		cp       Checkpoint
		aggState sql.NullString
		created  string
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, aggregation_state_json,
			upstream_topology_hash, checkpoint_node_config_hash, created_at, format_version
		 FROM checkpoints WHERE run_id = ? ORDER BY sequence_number DESC LIMIT 1`, runID).
		Scan(&cp.CheckpointID, &cp.RunID, &cp.TokenID, &cp.NodeID, &cp.SequenceNumber,
			&aggState, &cp.UpstreamTopologyHash, &cp.CheckpointNodeConfigHash, &created, &cp.FormatVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if aggState.Valid {
		s := aggState.String
		cp.AggregationStateJSON = &s
	}
	cp.CreatedAt = mustParseTime(created, "checkpoint "+cp.CheckpointID)
	return &cp, nil
}

// DeleteCheckpoints removes every checkpoint of a run. Called on successful
// completion and by explicit purge.
func (r *Recorder) DeleteCheckpoints(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM checkpoints WHERE run_id = ?`, runID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints for %s: %w", runID, err)
	}
	return n, nil
}

// TerminalRowIndexes returns, per source row index, whether any token of the
// row reached a terminal outcome. Resume uses the highest index with a
// terminal event as the low-water mark.
func (r *Reader) TerminalRowIndexes(ctx context.Context, runID string) (map[int]bool, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT DISTINCT rows.row_index
		 FROM token_outcomes
		 JOIN tokens ON tokens.token_id = token_outcomes.token_id
		 JOIN rows ON rows.row_id = tokens.row_id
		 WHERE token_outcomes.run_id = ? AND token_outcomes.is_terminal = 1`, runID)
	if err != nil {
		return nil, fmt.Errorf("terminal row indexes for %s: %w", runID, err)
	}
	defer rows.Close()
	out := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out[idx] = true
	}
	return out, rows.Err()
}
