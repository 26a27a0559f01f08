// Package tokens tracks units of work as they move through a pipeline. A
// token pairs an audited identity with its in-memory row payload; forks,
// expansions, and coalesces mint child tokens whose payloads are deeply
// isolated from their siblings and parents.
package tokens

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// Token is a live unit of work: the audit-side token plus the mutable row
// payload the pipeline operates on.
type Token struct {
	*landscape.Token
	Data map[string]any
}

// Manager mints tokens through the audit recorder so lineage and payload
// stay in lockstep.
type Manager struct {
	rec *landscape.Recorder
}

func NewManager(rec *landscape.Recorder) *Manager {
	return &Manager{rec: rec}
}

// CreateInitial records a source row and its first token.
func (m *Manager) CreateInitial(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any, dataHash, dataRef string) (*Token, *landscape.Row, error) {
	row, err := m.rec.CreateRow(ctx, runID, sourceNodeID, rowIndex, dataHash, dataRef)
	if err != nil {
		return nil, nil, err
	}
	tok, err := m.rec.CreateToken(ctx, row.RowID)
	if err != nil {
		return nil, nil, err
	}
	return &Token{Token: tok, Data: data}, row, nil
}

// CreateQuarantine records a quarantined source row together with its audit
// token so the row is attributable even though it never enters the graph.
func (m *Manager) CreateQuarantine(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]any, dataHash, errorHash, contextJSON string) (*Token, error) {
	row, err := m.rec.CreateRow(ctx, runID, sourceNodeID, rowIndex, dataHash, "")
	if err != nil {
		return nil, err
	}
	tok, err := m.rec.CreateToken(ctx, row.RowID)
	if err != nil {
		return nil, err
	}
	_, err = m.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
		RunID:       runID,
		TokenID:     tok.TokenID,
		Outcome:     landscape.OutcomeQuarantined,
		ErrorHash:   errorHash,
		ContextJSON: contextJSON,
	})
	if err != nil {
		return nil, err
	}
	return &Token{Token: tok, Data: data}, nil
}

// Fork splits a token into one child per branch. Every child receives a deep
// copy of the parent payload: mutations on one branch are never observable
// on another.
func (m *Manager) Fork(ctx context.Context, runID string, parent *Token, branches []string) ([]*Token, string, error) {
	if len(branches) == 0 {
		panic("tokens: Fork with no branches")
	}
	children, forkGroup, err := m.rec.ForkToken(ctx, runID, parent.Token, branches)
	if err != nil {
		return nil, "", err
	}
	out := make([]*Token, len(children))
	for i, c := range children {
		out[i] = &Token{Token: c, Data: DeepCopy(parent.Data)}
	}
	return out, forkGroup, nil
}

// Expand turns one token into len(rows) children, one per deaggregated row.
// Each child owns an isolated copy of its payload.
func (m *Manager) Expand(ctx context.Context, runID string, parent *Token, rows []map[string]any) ([]*Token, string, error) {
	if len(rows) == 0 {
		panic("tokens: Expand with no rows")
	}
	children, expandGroup, err := m.rec.ExpandToken(ctx, runID, parent.Token, len(rows))
	if err != nil {
		return nil, "", err
	}
	out := make([]*Token, len(children))
	for i, c := range children {
		out[i] = &Token{Token: c, Data: DeepCopy(rows[i])}
	}
	return out, expandGroup, nil
}

// ExpandForBatch creates children for a batch flush without writing a
// parent outcome; the parent was consumed into the batch already.
func (m *Manager) ExpandForBatch(ctx context.Context, runID string, parent *Token, rows []map[string]any) ([]*Token, string, error) {
	if len(rows) == 0 {
		panic("tokens: ExpandForBatch with no rows")
	}
	children, expandGroup, err := m.rec.ExpandTokenForBatch(ctx, runID, parent.Token, len(rows))
	if err != nil {
		return nil, "", err
	}
	out := make([]*Token, len(children))
	for i, c := range children {
		out[i] = &Token{Token: c, Data: DeepCopy(rows[i])}
	}
	return out, expandGroup, nil
}

// Coalesce merges sibling tokens into one child carrying the merged payload.
// Parents are terminal after this call.
func (m *Manager) Coalesce(ctx context.Context, runID string, parents []*Token, merged map[string]any, step int) (*Token, string, error) {
	if len(parents) == 0 {
		panic("tokens: Coalesce with no parents")
	}
	audit := make([]*landscape.Token, len(parents))
	for i, p := range parents {
		audit[i] = p.Token
	}
	child, joinGroup, err := m.rec.CoalesceTokens(ctx, runID, audit, step)
	if err != nil {
		return nil, "", fmt.Errorf("coalesce: %w", err)
	}
	return &Token{Token: child, Data: DeepCopy(merged)}, joinGroup, nil
}

// DeepCopy clones a row payload including nested maps and slices. Scalars
// are immutable and shared; anything mutable is duplicated.
func DeepCopy(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return DeepCopy(x)
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = deepCopyValue(el)
		}
		return out
	case []string:
		out := make([]string, len(x))
		copy(out, x)
		return out
	case []map[string]any:
		out := make([]map[string]any, len(x))
		for i, el := range x {
			out[i] = DeepCopy(el)
		}
		return out
	default:
		return v
	}
}
