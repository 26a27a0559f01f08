package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

func TestExporter_RequiresKey(t *testing.T) {
	_, err := NewExporter(nil, nil)
	assert.ErrorIs(t, err, ErrSigningKeyMissing)
}

func TestExporter_ManifestChainsSignatures(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)

	for i := 0; i < 3; i++ {
		row, err := rec.CreateRow(ctx, run.RunID, "src_0_deadbeef", i, canonical.MustHash(map[string]any{"i": i}), "")
		require.NoError(t, err)
		tok, err := rec.CreateToken(ctx, row.RowID)
		require.NoError(t, err)
		_, err = rec.RecordTokenOutcome(ctx, TokenOutcome{
			RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted, SinkName: "out",
		})
		require.NoError(t, err)
	}

	exp, err := NewExporter(rd, []byte("test-signing-key"))
	require.NoError(t, err)
	records, manifest, err := exp.ExportRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 3, manifest.RecordCount)
	require.NoError(t, exp.Verify(records, manifest))

	// Any record tamper breaks verification.
	records[1].Payload["row_index"] = 99
	assert.Error(t, exp.Verify(records, manifest))
}

func TestExporter_DetectsReorder(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	for i := 0; i < 2; i++ {
		_, err := rec.CreateRow(ctx, run.RunID, "src_0_deadbeef", i, canonical.MustHash(map[string]any{"i": i}), "")
		require.NoError(t, err)
	}
	exp, err := NewExporter(rd, []byte("k"))
	require.NoError(t, err)
	records, manifest, err := exp.ExportRun(ctx, run.RunID)
	require.NoError(t, err)
	records[0], records[1] = records[1], records[0]
	assert.Error(t, exp.Verify(records, manifest))
}

func TestPayloadStore_PutGetPurge(t *testing.T) {
	store, err := NewPayloadStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put([]byte("hello"))
	require.NoError(t, err)
	ref2, err := store.Put([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	data, err := store.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, store.Purge(ref))
	_, err = store.Get(ref)
	assert.ErrorIs(t, err, ErrPayloadPurged)
	// Purging again is a no-op.
	require.NoError(t, store.Purge(ref))
}

func TestReader_CrashesOnCorruptEnum(t *testing.T) {
	rec, rd := testRecorder(t)
	ctx := context.Background()
	run := testRun(t, rec)
	_, err := rec.db.sql.Exec(`UPDATE runs SET status = 'exploded' WHERE run_id = ?`, run.RunID)
	require.NoError(t, err)
	assert.Panics(t, func() { rd.GetRun(ctx, run.RunID) })
}
