package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// validateOutcome enforces the per-outcome required fields before anything
// touches the database.
func validateOutcome(o *TokenOutcome) error {
	switch o.Outcome {
	case OutcomeCompleted, OutcomeRouted:
		if o.SinkName == "" {
			return fmt.Errorf("outcome %s requires sink_name", o.Outcome)
		}
	case OutcomeForked:
		if o.ForkGroupID == "" {
			return fmt.Errorf("outcome forked requires fork_group_id")
		}
	case OutcomeFailed, OutcomeQuarantined:
		if o.ErrorHash == "" {
			return fmt.Errorf("outcome %s requires error_hash", o.Outcome)
		}
	case OutcomeConsumedInBatch, OutcomeBuffered:
		if o.BatchID == "" {
			return fmt.Errorf("outcome %s requires batch_id", o.Outcome)
		}
	case OutcomeCoalesced:
		if o.JoinGroupID == "" {
			return fmt.Errorf("outcome coalesced requires join_group_id")
		}
	case OutcomeExpanded:
		if o.ExpandGroupID == "" {
			return fmt.Errorf("outcome expanded requires expand_group_id")
		}
	default:
		return fmt.Errorf("unknown outcome kind %q", o.Outcome)
	}
	if o.IsTerminal != o.Outcome.Terminal() {
		return fmt.Errorf("outcome %s has is_terminal=%v", o.Outcome, o.IsTerminal)
	}
	return nil
}

func insertOutcome(tx *sql.Tx, runID string, o *TokenOutcome) error {
	if err := validateOutcome(o); err != nil {
		panic("landscape: " + err.Error())
	}
	if o.Outcome == OutcomeBuffered {
		// At most one BUFFERED record per (token, batch); re-buffering the
		// same token into the same batch is a no-op.
		var n int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM token_outcomes WHERE token_id = ? AND batch_id = ? AND outcome = 'buffered'`,
			o.TokenID, o.BatchID).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	terminal := 0
	if o.IsTerminal {
		terminal = 1
	}
	_, err := tx.Exec(
		`INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, is_terminal, recorded_at,
			sink_name, batch_id, fork_group_id, join_group_id, expand_group_id, error_hash, context_json, expected_branches_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OutcomeID, runID, o.TokenID, string(o.Outcome), terminal, fmtTime(o.RecordedAt),
		nullable(o.SinkName), nullable(o.BatchID), nullable(o.ForkGroupID), nullable(o.JoinGroupID),
		nullable(o.ExpandGroupID), nullable(o.ErrorHash), nullable(o.ContextJSON), nullable(o.ExpectedBranchesJSON))
	if err != nil && o.IsTerminal && strings.Contains(err.Error(), "UNIQUE") {
		panic(fmt.Sprintf("landscape: second terminal outcome %s for token %s", o.Outcome, o.TokenID))
	}
	return err
}

// RecordTokenOutcome attributes an outcome to a token. A second terminal
// outcome for the same token is a framework bug and panics.
func (r *Recorder) RecordTokenOutcome(ctx context.Context, o TokenOutcome) (*TokenOutcome, error) {
	o.OutcomeID = newID("out")
	o.RecordedAt = r.clock()
	o.IsTerminal = o.Outcome.Terminal()
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		return insertOutcome(tx, o.RunID, &o)
	})
	if err != nil {
		return nil, fmt.Errorf("record outcome %s for token %s: %w", o.Outcome, o.TokenID, err)
	}
	return &o, nil
}

// CreateBatch opens an aggregation batch on a node.
func (r *Recorder) CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	b := &Batch{BatchID: newID("batch"), RunID: runID, NodeID: nodeID, CreatedAt: r.clock()}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO batches (batch_id, run_id, node_id, created_at) VALUES (?, ?, ?, ?)`,
			b.BatchID, b.RunID, b.NodeID, fmtTime(b.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create batch on %s: %w", nodeID, err)
	}
	return b, nil
}

// AddBatchMember links a buffered token into a batch in arrival order and
// records its BUFFERED outcome atomically.
func (r *Recorder) AddBatchMember(ctx context.Context, runID, batchID, tokenID string, ordinal int) error {
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`,
			batchID, tokenID, ordinal); err != nil {
			return err
		}
		return insertOutcome(tx, runID, &TokenOutcome{
			OutcomeID:  newID("out"),
			RunID:      runID,
			TokenID:    tokenID,
			Outcome:    OutcomeBuffered,
			IsTerminal: false,
			RecordedAt: r.clock(),
			BatchID:    batchID,
		})
	})
	if err != nil {
		return fmt.Errorf("add batch member %s to %s: %w", tokenID, batchID, err)
	}
	return nil
}

// RecordBatchOutput records one output row hash produced by a batch flush.
func (r *Recorder) RecordBatchOutput(ctx context.Context, batchID, outputHash string, ordinal int) error {
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO batch_outputs (batch_id, output_hash, ordinal) VALUES (?, ?, ?)`,
			batchID, outputHash, ordinal)
		return err
	})
	if err != nil {
		return fmt.Errorf("record batch output %d for %s: %w", ordinal, batchID, err)
	}
	return nil
}

// RoutingDecision is one resolved edge traversal within a routing group.
type RoutingDecision struct {
	EdgeID     string
	Mode       EdgeMode
	ReasonHash string
	ReasonRef  string
}

// RecordRoutingEvents records all traversals of one gate decision under a
// shared routing_group_id, atomically and in ordinal order.
func (r *Recorder) RecordRoutingEvents(ctx context.Context, stateID string, decisions []RoutingDecision) (string, error) {
	if len(decisions) == 0 {
		panic("landscape: RecordRoutingEvents with no decisions")
	}
	group := newID("rg")
	now := r.clock()
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		for i, d := range decisions {
			if _, err := tx.Exec(
				`INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, created_at, reason_hash, reason_ref)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				newID("rev"), stateID, d.EdgeID, group, i, string(d.Mode), fmtTime(now),
				nullable(d.ReasonHash), nullable(d.ReasonRef)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record routing events for state %s: %w", stateID, err)
	}
	return group, nil
}

// RecordArtifact records a sink-produced artifact.
func (r *Recorder) RecordArtifact(ctx context.Context, a Artifact) (*Artifact, error) {
	a.ArtifactID = newID("art")
	a.CreatedAt = r.clock()
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ArtifactID, a.RunID, a.ProducedByStateID, a.SinkNodeID, a.ArtifactType,
			a.PathOrURI, a.ContentHash, a.SizeBytes, fmtTime(a.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record artifact %s: %w", a.PathOrURI, err)
	}
	return &a, nil
}

// RecordValidationError records a quarantine-producing contract violation.
func (r *Recorder) RecordValidationError(ctx context.Context, v ValidationError) (*ValidationError, error) {
	v.ErrorID = newID("verr")
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO validation_errors (error_id, run_id, node_id, row_data_json, error, schema_mode, destination,
				violation_type, normalized_field_name, original_field_name, expected_type, actual_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ErrorID, v.RunID, nullable(v.NodeID), v.RowDataJSON, v.Error, v.SchemaMode, v.Destination,
			nullable(v.ViolationType), nullable(v.NormalizedFieldName), nullable(v.OriginalFieldName),
			nullable(v.ExpectedType), nullable(v.ActualType))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record validation error: %w", err)
	}
	return &v, nil
}
