package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reader hydrates typed entities out of the audit database. The store is
// internal state: any enum that fails to parse or any terminal record with a
// NULL completion field means the trail is corrupt, and the reader panics
// rather than hand back a half-truth.
type Reader struct {
	db *DB
}

func NewReader(db *DB) *Reader { return &Reader{db: db} }

func corrupt(format string, args ...any) {
	panic("landscape: audit integrity violation: " + fmt.Sprintf(format, args...))
}

func mustParseTime(s, where string) time.Time {
	parsed, err := parseTime(s)
	if err != nil {
		corrupt("%s: %v", where, err)
	}
	return parsed
}

// GetRun returns the run or sql.ErrNoRows.
func (r *Reader) GetRun(ctx context.Context, runID string) (*Run, error) {
	var (
		run                     Run
		startedAt               string
		completedAt, exportStat sql.NullString
		status                  string
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT run_id, started_at, completed_at, config_hash, settings_json, canonical_version, status, export_status
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &startedAt, &completedAt, &run.ConfigHash, &run.SettingsJSON,
			&run.CanonicalVersion, &status, &exportStat)
	if err != nil {
		return nil, err
	}
	parsed, perr := ParseRunStatus(status)
	if perr != nil {
		corrupt("run %s: %v", runID, perr)
	}
	run.Status = parsed
	run.StartedAt = mustParseTime(startedAt, "run "+runID)
	if run.Status.Terminal() {
		if !completedAt.Valid {
			corrupt("run %s is %s but completed_at is NULL", runID, run.Status)
		}
		t := mustParseTime(completedAt.String, "run "+runID)
		run.CompletedAt = &t
	}
	run.ExportStatus = exportStat.String
	return &run, nil
}

// GetNode returns one node of a run.
func (r *Reader) GetNode(ctx context.Context, runID, nodeID string) (*Node, error) {
	var (
		n                                  Node
		nodeType, determinism, registered  string
		schemaHash, schemaMode, schemaJSON sql.NullString
		seq                                sql.NullInt64
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, config_json,
			registered_at, schema_hash, schema_mode, schema_fields_json, sequence_in_pipeline
		 FROM nodes WHERE run_id = ? AND node_id = ?`, runID, nodeID).
		Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeType, &n.PluginVersion, &determinism,
			&n.ConfigHash, &n.ConfigJSON, &registered, &schemaHash, &schemaMode, &schemaJSON, &seq)
	if err != nil {
		return nil, err
	}
	nt, perr := ParseNodeType(nodeType)
	if perr != nil {
		corrupt("node %s: %v", nodeID, perr)
	}
	det, perr := ParseDeterminism(determinism)
	if perr != nil {
		corrupt("node %s: %v", nodeID, perr)
	}
	n.NodeType = nt
	n.Determinism = det
	n.RegisteredAt = mustParseTime(registered, "node "+nodeID)
	n.SchemaHash = schemaHash.String
	n.SchemaMode = schemaMode.String
	n.SchemaFieldsJSON = schemaJSON.String
	n.SequenceInPipeline = int(seq.Int64)
	return &n, nil
}

// GetToken returns the token or sql.ErrNoRows.
func (r *Reader) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var (
		t                             Token
		fork, join, expand, branch    sql.NullString
		step                          sql.NullInt64
		created                       string
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at
		 FROM tokens WHERE token_id = ?`, tokenID).
		Scan(&t.TokenID, &t.RowID, &fork, &join, &expand, &branch, &step, &created)
	if err != nil {
		return nil, err
	}
	t.ForkGroupID = fork.String
	t.JoinGroupID = join.String
	t.ExpandGroupID = expand.String
	t.BranchName = branch.String
	t.StepInPipeline = int(step.Int64)
	t.CreatedAt = mustParseTime(created, "token "+tokenID)
	return &t, nil
}

// GetNodeState returns a node state, panicking on terminal-state corruption.
func (r *Reader) GetNodeState(ctx context.Context, stateID string) (*NodeState, error) {
	var (
		st                           NodeState
		status, started              string
		completed, outHash, errJSON  sql.NullString
		ctxJSON                      sql.NullString
		duration                     sql.NullFloat64
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT state_id, token_id, node_id, step_index, attempt, status, input_hash, started_at,
			completed_at, duration_ms, output_hash, error_json, context_before_json
		 FROM node_states WHERE state_id = ?`, stateID).
		Scan(&st.StateID, &st.TokenID, &st.NodeID, &st.StepIndex, &st.Attempt, &status, &st.InputHash,
			&started, &completed, &duration, &outHash, &errJSON, &ctxJSON)
	if err != nil {
		return nil, err
	}
	parsed, perr := ParseStateStatus(status)
	if perr != nil {
		corrupt("state %s: %v", stateID, perr)
	}
	st.Status = parsed
	st.StartedAt = mustParseTime(started, "state "+stateID)
	if st.Status.Terminal() {
		if !completed.Valid {
			corrupt("state %s is %s but completed_at is NULL", stateID, st.Status)
		}
		t := mustParseTime(completed.String, "state "+stateID)
		st.CompletedAt = &t
		if !duration.Valid {
			corrupt("state %s is %s but duration_ms is NULL", stateID, st.Status)
		}
		d := duration.Float64
		st.DurationMS = &d
	}
	st.OutputHash = outHash.String
	st.ErrorJSON = errJSON.String
	st.ContextJSON = ctxJSON.String
	return &st, nil
}

// StatesForToken returns every node state of a token in execution order
// (step index, then attempt).
func (r *Reader) StatesForToken(ctx context.Context, tokenID string) ([]*NodeState, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT state_id FROM node_states WHERE token_id = ? ORDER BY step_index, attempt`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*NodeState, 0, len(ids))
	for _, id := range ids {
		st, err := r.GetNodeState(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CallsForState returns all calls of a state in call_index order.
func (r *Reader) CallsForState(ctx context.Context, stateID string) ([]*Call, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT call_id, state_id, operation_id, call_index, call_type, status, request_hash,
			request_ref, response_hash, response_ref, error_json, latency_ms, created_at
		 FROM calls WHERE state_id = ? ORDER BY call_index`, stateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Call
	for rows.Next() {
		var (
			c                               Call
			stID, opID                      sql.NullString
			callType, status, created       string
			reqRef, respHash, respRef, eJSON sql.NullString
			latency                         sql.NullFloat64
		)
		if err := rows.Scan(&c.CallID, &stID, &opID, &c.CallIndex, &callType, &status, &c.RequestHash,
			&reqRef, &respHash, &respRef, &eJSON, &latency, &created); err != nil {
			return nil, err
		}
		ct, perr := ParseCallType(callType)
		if perr != nil {
			corrupt("call %s: %v", c.CallID, perr)
		}
		cs, perr := ParseCallStatus(status)
		if perr != nil {
			corrupt("call %s: %v", c.CallID, perr)
		}
		c.StateID = stID.String
		c.OperationID = opID.String
		c.CallType = ct
		c.Status = cs
		c.RequestRef = reqRef.String
		c.RespHash = respHash.String
		c.RespRef = respRef.String
		c.ErrorJSON = eJSON.String
		if latency.Valid {
			l := latency.Float64
			c.LatencyMS = &l
		}
		c.CreatedAt = mustParseTime(created, "call "+c.CallID)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// TerminalOutcome returns the token's terminal outcome, or nil if none yet.
func (r *Reader) TerminalOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	var (
		o                                      TokenOutcome
		outcome, recorded                      string
		terminal                               int
		sink, batch, fg, jg, eg, eh, cj, ebj   sql.NullString
	)
	err := r.db.sql.QueryRowContext(ctx,
		`SELECT outcome_id, run_id, token_id, outcome, is_terminal, recorded_at, sink_name, batch_id,
			fork_group_id, join_group_id, expand_group_id, error_hash, context_json, expected_branches_json
		 FROM token_outcomes WHERE token_id = ? AND is_terminal = 1`, tokenID).
		Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &outcome, &terminal, &recorded,
			&sink, &batch, &fg, &jg, &eg, &eh, &cj, &ebj)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, perr := ParseOutcome(outcome)
	if perr != nil {
		corrupt("outcome for token %s: %v", tokenID, perr)
	}
	o.Outcome = parsed
	o.IsTerminal = terminal == 1
	if !o.IsTerminal || !o.Outcome.Terminal() {
		corrupt("token %s: terminal flag disagrees with outcome %s", tokenID, o.Outcome)
	}
	o.RecordedAt = mustParseTime(recorded, "outcome for token "+tokenID)
	o.SinkName = sink.String
	o.BatchID = batch.String
	o.ForkGroupID = fg.String
	o.JoinGroupID = jg.String
	o.ExpandGroupID = eg.String
	o.ErrorHash = eh.String
	o.ContextJSON = cj.String
	o.ExpectedBranchesJSON = ebj.String
	return &o, nil
}

// RowsForRun returns every source row of a run ordered by row_index.
func (r *Reader) RowsForRun(ctx context.Context, runID string) ([]*Row, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		 FROM rows WHERE run_id = ? ORDER BY row_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		var (
			row     Row
			ref     sql.NullString
			created string
		)
		if err := rows.Scan(&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex,
			&row.SourceDataHash, &ref, &created); err != nil {
			return nil, err
		}
		row.SourceDataRef = ref.String
		row.CreatedAt = mustParseTime(created, "row "+row.RowID)
		out = append(out, &row)
	}
	return out, rows.Err()
}

// TokensForRow returns all tokens descended from a row.
func (r *Reader) TokensForRow(ctx context.Context, rowID string) ([]*Token, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT token_id FROM tokens WHERE row_id = ? ORDER BY created_at, token_id`, rowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*Token, 0, len(ids))
	for _, id := range ids {
		t, err := r.GetToken(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
