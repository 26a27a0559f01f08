package landscape

import (
	"context"
	"database/sql"
	"fmt"
)

// OpenNodeState records the start of a node execution attempt for a token.
// Attempts are 1-based; retries open a fresh state with the next attempt.
func (r *Recorder) OpenNodeState(ctx context.Context, tokenID, nodeID string, stepIndex, attempt int, inputHash, contextJSON string) (*NodeState, error) {
	st := &NodeState{
		StateID:     newID("st"),
		TokenID:     tokenID,
		NodeID:      nodeID,
		StepIndex:   stepIndex,
		Attempt:     attempt,
		Status:      StateOpen,
		InputHash:   inputHash,
		StartedAt:   r.clock(),
		ContextJSON: contextJSON,
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO node_states (state_id, token_id, node_id, step_index, attempt, status, input_hash, started_at, context_before_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StateID, st.TokenID, st.NodeID, st.StepIndex, st.Attempt, string(st.Status),
			st.InputHash, fmtTime(st.StartedAt), nullable(st.ContextJSON))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open node state token=%s node=%s attempt=%d: %w", tokenID, nodeID, attempt, err)
	}
	return st, nil
}

// CompleteNodeState closes an OPEN state as COMPLETED. Completing a state
// that does not exist or is already terminal is a framework bug and panics.
func (r *Recorder) CompleteNodeState(ctx context.Context, stateID, outputHash string, durationMS float64) error {
	return r.closeState(ctx, stateID, StateCompleted, outputHash, "", durationMS)
}

// FailNodeState closes an OPEN state as FAILED with the structured error.
func (r *Recorder) FailNodeState(ctx context.Context, stateID, errorJSON string, durationMS float64) error {
	return r.closeState(ctx, stateID, StateFailed, "", errorJSON, durationMS)
}

func (r *Recorder) closeState(ctx context.Context, stateID string, status StateStatus, outputHash, errorJSON string, durationMS float64) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRow(`SELECT status FROM node_states WHERE state_id = ?`, stateID).Scan(&current)
		if err == sql.ErrNoRows {
			panic(fmt.Sprintf("landscape: closing non-existent node state %s", stateID))
		}
		if err != nil {
			return fmt.Errorf("close state %s: %w", stateID, err)
		}
		if StateStatus(current).Terminal() {
			panic(fmt.Sprintf("landscape: closing already-terminal node state %s (status=%s)", stateID, current))
		}
		_, err = tx.Exec(
			`UPDATE node_states SET status = ?, completed_at = ?, duration_ms = ?, output_hash = ?, error_json = ?
			 WHERE state_id = ?`,
			string(status), fmtTime(r.clock()), durationMS, nullable(outputHash), nullable(errorJSON), stateID)
		if err != nil {
			return fmt.Errorf("close state %s: %w", stateID, err)
		}
		return nil
	})
}

// CallRecord is the payload for one external call attempt under a node state
// or a sink operation. Exactly one of StateID / OperationID must be set.
type CallRecord struct {
	StateID     string
	OperationID string
	CallType    CallType
	Status      CallStatus
	RequestHash string
	RequestRef  string
	RespHash    string
	RespRef     string
	ErrorJSON   string
	LatencyMS   *float64
}

// RecordCall persists one call with the next contiguous call_index for its
// parent. The in-memory allocator seeds from MAX(call_index) on first access
// so indices stay monotone across recorder recreation on resume.
func (r *Recorder) RecordCall(ctx context.Context, rec CallRecord) (*Call, error) {
	if (rec.StateID == "") == (rec.OperationID == "") {
		panic("landscape: RecordCall needs exactly one of state_id / operation_id")
	}
	parent := rec.StateID
	parentCol := "state_id"
	if parent == "" {
		parent = rec.OperationID
		parentCol = "operation_id"
	}
	idx, err := r.nextCallIndex(ctx, parentCol, parent)
	if err != nil {
		return nil, err
	}
	call := &Call{
		CallID:      newID("call"),
		StateID:     rec.StateID,
		OperationID: rec.OperationID,
		CallIndex:   idx,
		CallType:    rec.CallType,
		Status:      rec.Status,
		RequestHash: rec.RequestHash,
		RequestRef:  rec.RequestRef,
		RespHash:    rec.RespHash,
		RespRef:     rec.RespRef,
		ErrorJSON:   rec.ErrorJSON,
		LatencyMS:   rec.LatencyMS,
		CreatedAt:   r.clock(),
	}
	err = r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO calls (call_id, state_id, operation_id, call_index, call_type, status,
				request_hash, request_ref, response_hash, response_ref, error_json, latency_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			call.CallID, nullable(call.StateID), nullable(call.OperationID), call.CallIndex,
			string(call.CallType), string(call.Status), call.RequestHash, nullable(call.RequestRef),
			nullable(call.RespHash), nullable(call.RespRef), nullable(call.ErrorJSON),
			nullableF(call.LatencyMS), fmtTime(call.CreatedAt))
		return err
	})
	if err != nil {
		// Give the index back so a retry does not leave a hole.
		r.mu.Lock()
		if r.callIndex[parent] == idx+1 {
			r.callIndex[parent] = idx
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("record call for %s %s: %w", parentCol, parent, err)
	}
	return call, nil
}

func (r *Recorder) nextCallIndex(ctx context.Context, parentCol, parent string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, seeded := r.callIndex[parent]
	if !seeded {
		var max sql.NullInt64
		q := fmt.Sprintf(`SELECT MAX(call_index) FROM calls WHERE %s = ?`, parentCol)
		if err := r.db.sql.QueryRowContext(ctx, q, parent).Scan(&max); err != nil {
			return 0, fmt.Errorf("seed call index for %s: %w", parent, err)
		}
		if max.Valid {
			next = int(max.Int64) + 1
		}
	}
	r.callIndex[parent] = next + 1
	return next, nil
}

// BeginOperation opens a node-level operation (sink writes, batch flushes).
func (r *Recorder) BeginOperation(ctx context.Context, runID, nodeID, opType, inputRef, inputHash string) (*Operation, error) {
	op := &Operation{
		OperationID:   newID("op"),
		RunID:         runID,
		NodeID:        nodeID,
		OperationType: opType,
		StartedAt:     r.clock(),
		Status:        "open",
		InputDataRef:  inputRef,
		InputDataHash: inputHash,
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO operations (operation_id, run_id, node_id, operation_type, started_at, status, input_data_ref, input_data_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			op.OperationID, op.RunID, op.NodeID, op.OperationType, fmtTime(op.StartedAt),
			op.Status, nullable(op.InputDataRef), nullable(op.InputDataHash))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("begin operation %s on %s: %w", opType, nodeID, err)
	}
	return op, nil
}

// CompleteOperation closes an operation with success or failure detail.
func (r *Recorder) CompleteOperation(ctx context.Context, operationID, status, outputRef, outputHash, errorMessage string, durationMS float64) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE operations SET status = ?, completed_at = ?, output_data_ref = ?, output_data_hash = ?, error_message = ?, duration_ms = ?
			 WHERE operation_id = ? AND status = 'open'`,
			status, fmtTime(r.clock()), nullable(outputRef), nullable(outputHash), nullable(errorMessage), durationMS, operationID)
		if err != nil {
			return fmt.Errorf("complete operation %s: %w", operationID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			panic(fmt.Sprintf("landscape: CompleteOperation(%s): operation missing or already closed", operationID))
		}
		return nil
	})
}
