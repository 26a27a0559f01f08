package checkpoint

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func testStore(t *testing.T) (*landscape.Recorder, *landscape.Reader) {
	t.Helper()
	db, err := landscape.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return landscape.NewRecorder(db, zerolog.Nop()), landscape.NewReader(db)
}

func seedRun(t *testing.T, rec *landscape.Recorder, rowCount int) (string, []*landscape.Token) {
	t.Helper()
	ctx := context.Background()
	run, err := rec.BeginRun(ctx, canonical.MustHash(map[string]any{"cfg": 1}), "{}")
	require.NoError(t, err)
	toks := make([]*landscape.Token, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		row, err := rec.CreateRow(ctx, run.RunID, "src_0_deadbeef", i, canonical.MustHash(map[string]any{"i": i}), "")
		require.NoError(t, err)
		tok, err := rec.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		toks = append(toks, tok)
	}
	return run.RunID, toks
}

func TestManager_RowInterval(t *testing.T) {
	rec, rd := testStore(t)
	ctx := context.Background()
	runID, toks := seedRun(t, rec, 5)

	m := NewManager(rec, rd, Interval{EveryNRows: 2}, zerolog.Nop())
	for _, tok := range toks {
		require.NoError(t, m.Mark(ctx, runID, tok.TokenID, "agg_1_cafecafe", "topo", "cfg", nil))
	}

	// 5 rows at every-2 → checkpoints after rows 2 and 4.
	cp, err := rd.LatestCheckpoint(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(2), cp.SequenceNumber)
	assert.Equal(t, FormatVersion, cp.FormatVersion)
	assert.Equal(t, toks[3].TokenID, cp.TokenID)
	assert.Nil(t, cp.AggregationStateJSON)
}

func TestManager_PreservesEmptyVsAbsentAggState(t *testing.T) {
	rec, rd := testStore(t)
	ctx := context.Background()
	runID, toks := seedRun(t, rec, 1)

	m := NewManager(rec, rd, Interval{OnAggregationBoundary: true}, zerolog.Nop())
	empty := "{}"
	require.NoError(t, m.MarkAggregationBoundary(ctx, runID, toks[0].TokenID, "agg", "topo", "cfg", &empty))

	cp, err := rd.LatestCheckpoint(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, cp.AggregationStateJSON)
	assert.Equal(t, "{}", *cp.AggregationStateJSON)
}

func TestCanResume(t *testing.T) {
	rec, rd := testStore(t)
	ctx := context.Background()
	runID, toks := seedRun(t, rec, 1)

	_, err := rec.WriteCheckpoint(ctx, landscape.Checkpoint{
		RunID: runID, TokenID: toks[0].TokenID, NodeID: "agg",
		SequenceNumber: 1, UpstreamTopologyHash: "topo", CheckpointNodeConfigHash: "cfg",
		FormatVersion: FormatVersion,
	})
	require.NoError(t, err)

	t.Run("running run refuses", func(t *testing.T) {
		_, err := CanResume(ctx, rd, runID, "topo", "cfg")
		var ice *IncompatibleCheckpointError
		require.ErrorAs(t, err, &ice)
	})

	require.NoError(t, rec.CompleteRun(ctx, runID, landscape.RunFailed))

	t.Run("matching hashes resume", func(t *testing.T) {
		res, err := CanResume(ctx, rd, runID, "topo", "cfg")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Checkpoint.SequenceNumber)
	})
	t.Run("topology drift refuses", func(t *testing.T) {
		_, err := CanResume(ctx, rd, runID, "other-topo", "cfg")
		var ice *IncompatibleCheckpointError
		require.ErrorAs(t, err, &ice)
	})
	t.Run("node config drift refuses", func(t *testing.T) {
		_, err := CanResume(ctx, rd, runID, "topo", "other-cfg")
		var ice *IncompatibleCheckpointError
		require.ErrorAs(t, err, &ice)
	})
	t.Run("unknown run refuses", func(t *testing.T) {
		_, err := CanResume(ctx, rd, "run_nope", "topo", "cfg")
		var ice *IncompatibleCheckpointError
		require.ErrorAs(t, err, &ice)
	})
}

func TestCanResume_RejectsVersionSkewBothWays(t *testing.T) {
	for _, version := range []int{1, 3} {
		rec, rd := testStore(t)
		ctx := context.Background()
		runID, toks := seedRun(t, rec, 1)
		_, err := rec.WriteCheckpoint(ctx, landscape.Checkpoint{
			RunID: runID, TokenID: toks[0].TokenID, NodeID: "agg",
			SequenceNumber: 1, UpstreamTopologyHash: "topo", CheckpointNodeConfigHash: "cfg",
			FormatVersion: version,
		})
		require.NoError(t, err)
		require.NoError(t, rec.CompleteRun(ctx, runID, landscape.RunFailed))

		_, err = CanResume(ctx, rd, runID, "topo", "cfg")
		var ice *IncompatibleCheckpointError
		require.ErrorAs(t, err, &ice, "format_version %d", version)
		assert.Contains(t, ice.Reason, "format_version")
	}
}

func TestUnprocessedRows_CutsByRowIndex(t *testing.T) {
	rec, rd := testStore(t)
	ctx := context.Background()
	runID, toks := seedRun(t, rec, 4)

	// Row 1 forked: two terminal events for one source row. The cut must
	// still be strictly by row index.
	_, _, err := rec.ForkToken(ctx, runID, toks[1], []string{"a", "b"})
	require.NoError(t, err)

	cp, err := rec.WriteCheckpoint(ctx, landscape.Checkpoint{
		RunID: runID, TokenID: toks[1].TokenID, NodeID: "agg",
		SequenceNumber: 1, UpstreamTopologyHash: "topo", CheckpointNodeConfigHash: "cfg",
		FormatVersion: FormatVersion,
	})
	require.NoError(t, err)

	rows, err := UnprocessedRows(ctx, rd, runID, cp)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].RowIndex)
	assert.Equal(t, 3, rows[1].RowIndex)
}

func TestCodec_RoundTrip(t *testing.T) {
	cases := []any{
		map[string]any{"count": int64(5), "ratio": 0.25, "name": "agg", "flag": true},
		[]any{int64(1), "two", nil, map[string]any{"k": []any{0.5}}},
		map[string]any{},
	}
	for _, v := range cases {
		s, err := Dumps(v)
		require.NoError(t, err)
		got, err := Loads(s)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestCodec_RejectsNonFiniteAtDepth(t *testing.T) {
	cases := []any{
		math.NaN(),
		map[string]any{"a": math.Inf(1)},
		[]any{map[string]any{"deep": []any{math.Inf(-1)}}},
	}
	for _, v := range cases {
		_, err := Dumps(v)
		require.Error(t, err)
	}
}
