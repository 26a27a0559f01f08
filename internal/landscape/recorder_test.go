package landscape

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

func testRecorder(t *testing.T) (*Recorder, *Reader) {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRecorder(db, zerolog.Nop()), NewReader(db)
}

func testRun(t *testing.T, rec *Recorder) *Run {
	t.Helper()
	run, err := rec.BeginRun(context.Background(), canonical.MustHash(map[string]any{"cfg": 1}), "{}")
	require.NoError(t, err)
	return run
}

func testRowToken(t *testing.T, rec *Recorder, runID string) (*Row, *Token) {
	t.Helper()
	ctx := context.Background()
	row, err := rec.CreateRow(ctx, runID, "src_0_deadbeef", 0, canonical.MustHash(map[string]any{"a": 1}), "")
	require.NoError(t, err)
	tok, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	return row, tok
}

func TestRunLifecycle(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()

	run := testRun(t, rec)
	assert.Equal(t, RunRunning, run.Status)
	assert.Equal(t, canonical.Version, run.CanonicalVersion)

	require.NoError(t, rec.CompleteRun(ctx, run.RunID, RunCompleted))

	got, err := rd.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Completing twice is a framework bug.
	assert.Panics(t, func() { rec.CompleteRun(ctx, run.RunID, RunFailed) })
}

func TestRegisterNode_DeterministicID(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)

	spec := NodeSpec{
		PluginName:         "csv_source",
		NodeType:           NodeSource,
		PluginVersion:      "1.0.0",
		Determinism:        IORead,
		Config:             map[string]any{"path": "in.csv"},
		SequenceInPipeline: 0,
	}
	node, err := rec.RegisterNode(ctx, run.RunID, spec)
	require.NoError(t, err)
	// Same plugin, sequence, and config always land on the same node id.
	wantHash := canonical.MustHash(spec.Config)
	assert.Equal(t, "csv_source_0_"+wantHash[:8], node.NodeID)

	got, err := rd.GetNode(ctx, run.RunID, node.NodeID)
	require.NoError(t, err)
	assert.Equal(t, NodeSource, got.NodeType)
	assert.Equal(t, IORead, got.Determinism)
	assert.Equal(t, wantHash, got.ConfigHash)
}

func TestForkToken_AtomicChildrenAndOutcome(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, parent := testRowToken(t, rec, run.RunID)

	children, forkGroup, err := rec.ForkToken(ctx, run.RunID, parent, []string{"left", "right"})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "left", children[0].BranchName)
	assert.Equal(t, "right", children[1].BranchName)
	for _, c := range children {
		assert.Equal(t, parent.RowID, c.RowID)
		assert.Equal(t, forkGroup, c.ForkGroupID)
	}

	terminal, err := rd.TerminalOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, OutcomeForked, terminal.Outcome)
	assert.Equal(t, forkGroup, terminal.ForkGroupID)

	assert.Panics(t, func() { rec.ForkToken(ctx, run.RunID, parent, nil) })
}

func TestExpandAndCoalesce(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, parent := testRowToken(t, rec, run.RunID)

	children, expandGroup, err := rec.ExpandToken(ctx, run.RunID, parent, 3)
	require.NoError(t, err)
	require.Len(t, children, 3)

	terminal, err := rd.TerminalOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, OutcomeExpanded, terminal.Outcome)
	assert.Equal(t, expandGroup, terminal.ExpandGroupID)

	merged, joinGroup, err := rec.CoalesceTokens(ctx, run.RunID, children, 4)
	require.NoError(t, err)
	assert.Equal(t, joinGroup, merged.JoinGroupID)
	for _, c := range children {
		got, err := rd.TerminalOutcome(ctx, c.TokenID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, OutcomeCoalesced, got.Outcome)
	}
}

func TestOneTerminalOutcomePerToken(t *testing.T) {
	rec, _ := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	_, err := rec.RecordTokenOutcome(ctx, TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, SinkName: "out",
	})
	require.NoError(t, err)

	assert.Panics(t, func() {
		rec.RecordTokenOutcome(ctx, TokenOutcome{
			RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeFailed, ErrorHash: "abcd1234abcd1234",
		})
	})
}

func TestOutcomeFieldValidation(t *testing.T) {
	rec, _ := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	cases := []TokenOutcome{
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted},   // missing sink_name
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeFailed},      // missing error_hash
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeForked},      // missing fork_group_id
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCoalesced},   // missing join_group_id
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeBuffered},    // missing batch_id
		{RunID: run.RunID, TokenID: tok.TokenID, Outcome: Outcome("shipped")}, // unknown kind
	}
	for _, o := range cases {
		o := o
		assert.Panics(t, func() { rec.RecordTokenOutcome(ctx, o) }, string(o.Outcome))
	}
}

func TestRecoveredPanicReleasesConnection(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	// An invariant panic inside a transaction must roll it back; with a
	// single connection a leaked open tx would wedge every later call.
	assert.Panics(t, func() {
		rec.RecordTokenOutcome(ctx, TokenOutcome{
			RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, // missing sink_name
		})
	})

	_, err := rec.RecordTokenOutcome(ctx, TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, SinkName: "out",
	})
	require.NoError(t, err)
	terminal, err := rd.TerminalOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, OutcomeCompleted, terminal.Outcome)
}

func TestBufferedOutcome_DedupedPerBatch(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	batch, err := rec.CreateBatch(ctx, run.RunID, "agg_1_cafecafe")
	require.NoError(t, err)

	_, err = rec.RecordTokenOutcome(ctx, TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeBuffered, BatchID: batch.BatchID,
	})
	require.NoError(t, err)
	// Second buffer into the same batch is a no-op, not an error.
	_, err = rec.RecordTokenOutcome(ctx, TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeBuffered, BatchID: batch.BatchID,
	})
	require.NoError(t, err)

	var n int
	err = rec.db.sql.QueryRow(
		`SELECT COUNT(*) FROM token_outcomes WHERE token_id = ? AND outcome = 'buffered'`, tok.TokenID).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A terminal outcome may still follow a buffered one.
	_, err = rec.RecordTokenOutcome(ctx, TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeConsumedInBatch, BatchID: batch.BatchID,
	})
	require.NoError(t, err)
	terminal, err := rd.TerminalOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, OutcomeConsumedInBatch, terminal.Outcome)
}

func TestCallIndex_ContiguousAndResumable(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := NewRecorder(db, zerolog.Nop())
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)
	st, err := rec.OpenNodeState(ctx, tok.TokenID, "llm_2_feedf00d", 2, 1, canonical.MustHash(map[string]any{"a": 1}), "")
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		call, err := rec.RecordCall(ctx, CallRecord{
			StateID:     st.StateID,
			CallType:    CallLLM,
			Status:      CallSuccess,
			RequestHash: canonical.MustHash(map[string]any{"i": want}),
		})
		require.NoError(t, err)
		assert.Equal(t, want, call.CallIndex)
	}

	// A fresh recorder over the same database seeds from MAX(call_index).
	rec2 := NewRecorder(db, zerolog.Nop())
	call, err := rec2.RecordCall(ctx, CallRecord{
		StateID:     st.StateID,
		CallType:    CallLLM,
		Status:      CallError,
		RequestHash: canonical.MustHash(map[string]any{"i": 3}),
		ErrorJSON:   `{"reason":"timeout"}`,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, call.CallIndex)

	assert.Panics(t, func() { rec.RecordCall(ctx, CallRecord{CallType: CallHTTP}) })
}

func TestNodeStateLifecycle(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	st, err := rec.OpenNodeState(ctx, tok.TokenID, "tfm_1_0badc0de", 1, 1, canonical.MustHash(map[string]any{"a": 1}), "")
	require.NoError(t, err)
	require.NoError(t, rec.CompleteNodeState(ctx, st.StateID, canonical.MustHash(map[string]any{"a": 2}), 12.5))

	got, err := rd.GetNodeState(ctx, st.StateID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DurationMS)

	// Closing a terminal or unknown state is a framework bug.
	assert.Panics(t, func() { rec.CompleteNodeState(ctx, st.StateID, "", 1) })
	assert.Panics(t, func() { rec.FailNodeState(ctx, "st_missing", "{}", 1) })
}

func TestTerminalRowIndexes(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)

	for i := 0; i < 3; i++ {
		row, err := rec.CreateRow(ctx, run.RunID, "src_0_deadbeef", i, canonical.MustHash(map[string]any{"i": i}), "")
		require.NoError(t, err)
		tok, err := rec.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		if i == 1 {
			continue // row 1 never reaches a terminal outcome
		}
		_, err = rec.RecordTokenOutcome(ctx, TokenOutcome{
			RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, SinkName: "out",
		})
		require.NoError(t, err)
	}

	got, err := rd.TerminalRowIndexes(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 2: true}, got)
}

func TestCheckpointRows(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, tok := testRowToken(t, rec, run.RunID)

	for seq := int64(1); seq <= 2; seq++ {
		_, err := rec.WriteCheckpoint(ctx, Checkpoint{
			RunID:                    run.RunID,
			TokenID:                  tok.TokenID,
			NodeID:                   "agg_3_12345678",
			SequenceNumber:           seq,
			UpstreamTopologyHash:     "topo",
			CheckpointNodeConfigHash: "cfg",
			FormatVersion:            2,
		})
		require.NoError(t, err)
	}

	latest, err := rd.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(2), latest.SequenceNumber)
	assert.Equal(t, 2, latest.FormatVersion)

	n, err := rec.DeleteCheckpoints(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	latest, err = rd.LatestCheckpoint(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
