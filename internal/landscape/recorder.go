package landscape

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tachyon-beep/elspeth/internal/canonical"
)

// Recorder is the only write path into the audit database. Every mutation
// runs in a short transaction so cross-table invariants (fork atomicity, the
// one-terminal-outcome rule, call-index contiguity) hold at commit.
type Recorder struct {
	db  *DB
	log zerolog.Logger

	mu        sync.Mutex
	callIndex map[string]int // next call_index per state_id / operation_id
	clock     func() time.Time
}

func NewRecorder(db *DB, log zerolog.Logger) *Recorder {
	return &Recorder{
		db:        db,
		log:       log.With().Str("component", "landscape").Logger(),
		callIndex: make(map[string]int),
		clock:     time.Now,
	}
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// BeginRun creates the run row in RUNNING state and pins the canonicalization
// version so exports can be re-verified later.
func (r *Recorder) BeginRun(ctx context.Context, configHash, settingsJSON string) (*Run, error) {
	run := &Run{
		RunID:            newID("run"),
		StartedAt:        r.clock(),
		ConfigHash:       configHash,
		SettingsJSON:     settingsJSON,
		CanonicalVersion: canonical.Version,
		Status:           RunRunning,
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO runs (run_id, started_at, config_hash, settings_json, canonical_version, status)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			run.RunID, fmtTime(run.StartedAt), run.ConfigHash, run.SettingsJSON, run.CanonicalVersion, string(run.Status))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	r.log.Info().Str("run_id", run.RunID).Str("config_hash", configHash).Msg("run started")
	return run, nil
}

// CompleteRun moves the run to a terminal status. Completing a run that is
// not RUNNING is a framework bug.
func (r *Recorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	if !status.Terminal() {
		panic(fmt.Sprintf("landscape: CompleteRun with non-terminal status %q", status))
	}
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ? AND status = ?`,
			string(status), fmtTime(r.clock()), runID, string(RunRunning))
		if err != nil {
			return fmt.Errorf("complete run %s: %w", runID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			panic(fmt.Sprintf("landscape: CompleteRun(%s): run missing or already terminal", runID))
		}
		return nil
	})
}

// ResumeRun moves a failed or cancelled run back to RUNNING so a resume can
// continue writing under the same run identity.
func (r *Recorder) ResumeRun(ctx context.Context, runID string) error {
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE runs SET status = ?, completed_at = NULL
			 WHERE run_id = ? AND status IN (?, ?)`,
			string(RunRunning), runID, string(RunFailed), string(RunCancelled))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s is not in a resumable status", runID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	return nil
}

// SetExportStatus records the outcome of a signed export on the run.
func (r *Recorder) SetExportStatus(ctx context.Context, runID, status string) error {
	return r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE runs SET export_status = ? WHERE run_id = ?`, status, runID)
		return err
	})
}

// NodeSpec is the registration payload for a pipeline node.
type NodeSpec struct {
	PluginName         string
	NodeType           NodeType
	PluginVersion      string
	Determinism        Determinism
	Config             map[string]any
	SchemaHash         string
	SchemaMode         string
	SchemaFieldsJSON   string
	SequenceInPipeline int
}

// RegisterNode records a node. The node_id is deterministic over
// (plugin_name, sequence, config_hash) so re-registration on resume lands on
// the same identity.
func (r *Recorder) RegisterNode(ctx context.Context, runID string, spec NodeSpec) (*Node, error) {
	configJSON, err := canonical.Bytes(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("register node %s: config not canonicalizable: %w", spec.PluginName, err)
	}
	configHash := canonical.MustHash(spec.Config)
	node := &Node{
		NodeID:             fmt.Sprintf("%s_%d_%s", spec.PluginName, spec.SequenceInPipeline, configHash[:8]),
		RunID:              runID,
		PluginName:         spec.PluginName,
		NodeType:           spec.NodeType,
		PluginVersion:      spec.PluginVersion,
		Determinism:        spec.Determinism,
		ConfigHash:         configHash,
		ConfigJSON:         string(configJSON),
		RegisteredAt:       r.clock(),
		SchemaHash:         spec.SchemaHash,
		SchemaMode:         spec.SchemaMode,
		SchemaFieldsJSON:   spec.SchemaFieldsJSON,
		SequenceInPipeline: spec.SequenceInPipeline,
	}
	err = r.db.inTx(ctx, func(tx *sql.Tx) error {
		// OR IGNORE keeps re-registration on resume idempotent: identical
		// inputs always derive the identical node_id.
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism,
				config_hash, config_json, registered_at, schema_hash, schema_mode, schema_fields_json, sequence_in_pipeline)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.NodeID, node.RunID, node.PluginName, string(node.NodeType), node.PluginVersion,
			string(node.Determinism), node.ConfigHash, node.ConfigJSON, fmtTime(node.RegisteredAt),
			nullable(node.SchemaHash), nullable(node.SchemaMode), nullable(node.SchemaFieldsJSON),
			node.SequenceInPipeline)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register node %s: %w", spec.PluginName, err)
	}
	return node, nil
}

// RegisterEdge records a graph edge for routing-event attribution. The
// edge_id is deterministic over (run, from, to, label) so re-registration
// on resume is idempotent and routing events land on stable identities.
func (r *Recorder) RegisterEdge(ctx context.Context, runID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error) {
	sum := sha256.Sum256([]byte(runID + "|" + fromNodeID + "|" + toNodeID + "|" + label))
	edge := &Edge{
		EdgeID:      "edge_" + hex.EncodeToString(sum[:12]),
		RunID:       runID,
		FromNodeID:  fromNodeID,
		ToNodeID:    toNodeID,
		Label:       label,
		DefaultMode: mode,
		CreatedAt:   r.clock(),
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, string(edge.DefaultMode), fmtTime(edge.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("register edge %s->%s: %w", fromNodeID, toNodeID, err)
	}
	return edge, nil
}

// CreateRow records a source row together with its canonical hash and
// optional payload ref.
func (r *Recorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, dataHash, dataRef string) (*Row, error) {
	row := &Row{
		RowID:          newID("row"),
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		SourceDataHash: dataHash,
		SourceDataRef:  dataRef,
		CreatedAt:      r.clock(),
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO rows (row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, nullable(row.SourceDataRef), fmtTime(row.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create row %d: %w", rowIndex, err)
	}
	return row, nil
}

// CreateToken records the initial token for a row.
func (r *Recorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	tok := &Token{TokenID: newID("tok"), RowID: rowID, CreatedAt: r.clock()}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		return insertToken(tx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("create token for row %s: %w", rowID, err)
	}
	return tok, nil
}

func insertToken(tx *sql.Tx, t *Token) error {
	_, err := tx.Exec(
		`INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.RowID, nullable(t.ForkGroupID), nullable(t.JoinGroupID), nullable(t.ExpandGroupID),
		nullable(t.BranchName), t.StepInPipeline, fmtTime(t.CreatedAt))
	return err
}

// ForkToken atomically creates one child token per branch, links the parent,
// and records the parent's FORKED terminal outcome. Fork with zero branches
// is a framework bug.
func (r *Recorder) ForkToken(ctx context.Context, runID string, parent *Token, branches []string) ([]*Token, string, error) {
	if len(branches) == 0 {
		panic("landscape: ForkToken with no branches")
	}
	forkGroup := newID("fork")
	now := r.clock()
	children := make([]*Token, 0, len(branches))
	for _, branch := range branches {
		children = append(children, &Token{
			TokenID:        newID("tok"),
			RowID:          parent.RowID,
			ForkGroupID:    forkGroup,
			BranchName:     branch,
			StepInPipeline: parent.StepInPipeline,
			CreatedAt:      now,
		})
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		for i, child := range children {
			if err := insertToken(tx, child); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				child.TokenID, parent.TokenID, i); err != nil {
				return err
			}
		}
		return insertOutcome(tx, runID, &TokenOutcome{
			OutcomeID:   newID("out"),
			RunID:       runID,
			TokenID:     parent.TokenID,
			Outcome:     OutcomeForked,
			IsTerminal:  true,
			RecordedAt:  now,
			ForkGroupID: forkGroup,
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("fork token %s: %w", parent.TokenID, err)
	}
	return children, forkGroup, nil
}

// ExpandToken atomically creates one child token per expanded row and
// records the parent's EXPANDED terminal outcome. Used by 1→N deaggregating
// transforms.
func (r *Recorder) ExpandToken(ctx context.Context, runID string, parent *Token, count int) ([]*Token, string, error) {
	return r.expandToken(ctx, runID, parent, count, true)
}

// ExpandTokenForBatch creates children without touching the parent's
// outcome. Batch flushes use it: the parent is already CONSUMED_IN_BATCH
// and a second terminal outcome would be a framework bug.
func (r *Recorder) ExpandTokenForBatch(ctx context.Context, runID string, parent *Token, count int) ([]*Token, string, error) {
	return r.expandToken(ctx, runID, parent, count, false)
}

func (r *Recorder) expandToken(ctx context.Context, runID string, parent *Token, count int, recordParentOutcome bool) ([]*Token, string, error) {
	if count < 1 {
		panic("landscape: ExpandToken with count < 1")
	}
	expandGroup := newID("exp")
	now := r.clock()
	children := make([]*Token, 0, count)
	for i := 0; i < count; i++ {
		children = append(children, &Token{
			TokenID:        newID("tok"),
			RowID:          parent.RowID,
			ExpandGroupID:  expandGroup,
			StepInPipeline: parent.StepInPipeline,
			CreatedAt:      now,
		})
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		for i, child := range children {
			if err := insertToken(tx, child); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				child.TokenID, parent.TokenID, i); err != nil {
				return err
			}
		}
		if !recordParentOutcome {
			return nil
		}
		return insertOutcome(tx, runID, &TokenOutcome{
			OutcomeID:     newID("out"),
			RunID:         runID,
			TokenID:       parent.TokenID,
			Outcome:       OutcomeExpanded,
			IsTerminal:    true,
			RecordedAt:    now,
			ExpandGroupID: expandGroup,
		})
	})
	if err != nil {
		return nil, "", fmt.Errorf("expand token %s: %w", parent.TokenID, err)
	}
	return children, expandGroup, nil
}

// CoalesceTokens atomically creates the merged child token, links every
// parent in arrival order, and records each parent's COALESCED terminal
// outcome.
func (r *Recorder) CoalesceTokens(ctx context.Context, runID string, parents []*Token, step int) (*Token, string, error) {
	if len(parents) == 0 {
		panic("landscape: CoalesceTokens with no parents")
	}
	joinGroup := newID("join")
	now := r.clock()
	merged := &Token{
		TokenID:        newID("tok"),
		RowID:          parents[0].RowID,
		JoinGroupID:    joinGroup,
		StepInPipeline: step,
		CreatedAt:      now,
	}
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertToken(tx, merged); err != nil {
			return err
		}
		for i, parent := range parents {
			if _, err := tx.Exec(
				`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
				merged.TokenID, parent.TokenID, i); err != nil {
				return err
			}
			if err := insertOutcome(tx, runID, &TokenOutcome{
				OutcomeID:   newID("out"),
				RunID:       runID,
				TokenID:     parent.TokenID,
				Outcome:     OutcomeCoalesced,
				IsTerminal:  true,
				RecordedAt:  now,
				JoinGroupID: joinGroup,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("coalesce %d tokens: %w", len(parents), err)
	}
	return merged, joinGroup, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableF(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
