package tokens

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func testManager(t *testing.T) (*Manager, *landscape.Reader, string) {
	t.Helper()
	db, err := landscape.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rec := landscape.NewRecorder(db, zerolog.Nop())
	run, err := rec.BeginRun(context.Background(), canonical.MustHash(map[string]any{"cfg": 1}), "{}")
	require.NoError(t, err)
	return NewManager(rec), landscape.NewReader(db), run.RunID
}

func TestFork_DeepIsolation(t *testing.T) {
	m, _, runID := testManager(t)
	ctx := context.Background()

	data := map[string]any{
		"id":     1,
		"nested": map[string]any{"list": []any{1, 2}, "flag": true},
	}
	parent, _, err := m.CreateInitial(ctx, runID, "src_0_deadbeef", 0, data, canonical.MustHash(data), "")
	require.NoError(t, err)

	children, _, err := m.Fork(ctx, runID, parent, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, children, 2)

	// Mutating one branch leaks into neither the sibling nor the parent.
	nested := children[0].Data["nested"].(map[string]any)
	nested["flag"] = false
	nested["list"].([]any)[0] = 99

	sib := children[1].Data["nested"].(map[string]any)
	assert.Equal(t, true, sib["flag"])
	assert.Equal(t, 1, sib["list"].([]any)[0])
	assert.Equal(t, true, parent.Data["nested"].(map[string]any)["flag"])
}

func TestExpand_EachChildOwnsItsRow(t *testing.T) {
	m, _, runID := testManager(t)
	ctx := context.Background()

	data := map[string]any{"items": []any{"x", "y"}}
	parent, _, err := m.CreateInitial(ctx, runID, "src_0_deadbeef", 0, data, canonical.MustHash(data), "")
	require.NoError(t, err)

	shared := map[string]any{"k": "v"}
	rows := []map[string]any{
		{"item": "x", "meta": shared},
		{"item": "y", "meta": shared},
	}
	children, _, err := m.Expand(ctx, runID, parent, rows)
	require.NoError(t, err)
	require.Len(t, children, 2)

	children[0].Data["meta"].(map[string]any)["k"] = "mutated"
	assert.Equal(t, "v", children[1].Data["meta"].(map[string]any)["k"])
	assert.Equal(t, "v", shared["k"])
}

func TestCoalesce_ParentsBecomeTerminal(t *testing.T) {
	m, rd, runID := testManager(t)
	ctx := context.Background()

	data := map[string]any{"id": 1}
	parent, _, err := m.CreateInitial(ctx, runID, "src_0_deadbeef", 0, data, canonical.MustHash(data), "")
	require.NoError(t, err)
	branches, _, err := m.Fork(ctx, runID, parent, []string{"a", "b"})
	require.NoError(t, err)

	merged, joinGroup, err := m.Coalesce(ctx, runID, branches, map[string]any{"id": 1, "both": true}, 3)
	require.NoError(t, err)
	assert.Equal(t, joinGroup, merged.JoinGroupID)

	for _, b := range branches {
		got, err := rd.TerminalOutcome(ctx, b.TokenID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, landscape.OutcomeCoalesced, got.Outcome)
	}
}

func TestCreateQuarantine(t *testing.T) {
	m, rd, runID := testManager(t)
	ctx := context.Background()

	data := map[string]any{"raw": "not,enough,columns"}
	tok, err := m.CreateQuarantine(ctx, runID, "src_0_deadbeef", 5, data,
		canonical.ReprHash(data), "abcd1234abcd1234", `{"reason":"missing field"}`)
	require.NoError(t, err)

	got, err := rd.TerminalOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, landscape.OutcomeQuarantined, got.Outcome)
	assert.Equal(t, "abcd1234abcd1234", got.ErrorHash)
}

func TestDeepCopy_TypedContainers(t *testing.T) {
	in := map[string]any{
		"strs": []string{"a"},
		"maps": []map[string]any{{"k": 1}},
	}
	out := DeepCopy(in)
	out["strs"].([]string)[0] = "b"
	out["maps"].([]map[string]any)[0]["k"] = 2
	assert.Equal(t, "a", in["strs"].([]string)[0])
	assert.Equal(t, 1, in["maps"].([]map[string]any)[0]["k"])
	assert.Nil(t, DeepCopy(nil))
}
