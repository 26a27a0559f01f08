package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/graph"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/plugins"
	"github.com/tachyon-beep/elspeth/internal/tokens"
)

// completedJoinLimit bounds the late-arrival rejection window. Once a row's
// join fired, later branch arrivals for it must be rejected, but the set of
// completed keys cannot grow without bound on long runs.
const completedJoinLimit = 10_000

// pendingJoin holds branch tokens for one source row awaiting merge.
type pendingJoin struct {
	branches  map[string]*tokens.Token
	arrival   []string // branch names in arrival order
	firstSeen time.Time
}

// joinResult is what a coalesce evaluation produced: a merged token ready
// to continue, or nothing.
type joinResult struct {
	Merged    *tokens.Token
	JoinGroup string
}

// coalesceExecutor is the join engine for one coalesce node. Accept never
// blocks a worker: branch tokens are held in memory until the policy is
// satisfied, a timeout expires, or end-of-source flushes the remainder.
type coalesceExecutor struct {
	mu    sync.Mutex
	rec   *landscape.Recorder
	toks  *tokens.Manager
	runID string
	node  *graph.Node
	cfg   config.CoalesceConfig
	merger plugins.Merger
	clock func() time.Time

	pending   map[string]*pendingJoin // row_id → join
	completed map[string]bool
	order     []string // completed row IDs, FIFO for eviction
}

func newCoalesceExecutor(rec *landscape.Recorder, toks *tokens.Manager, runID string, node *graph.Node, cfg config.CoalesceConfig, merger plugins.Merger, clock func() time.Time) *coalesceExecutor {
	if clock == nil {
		clock = time.Now
	}
	return &coalesceExecutor{
		rec:       rec,
		toks:      toks,
		runID:     runID,
		node:      node,
		cfg:       cfg,
		merger:    merger,
		clock:     clock,
		pending:   make(map[string]*pendingJoin),
		completed: make(map[string]bool),
	}
}

// Accept takes one branch token. If this arrival satisfies the policy, the
// merged token is returned; otherwise the token is held.
func (c *coalesceExecutor) Accept(ctx context.Context, tok *tokens.Token) (*joinResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completed[tok.RowID] {
		// The join for this row already fired; late branches cannot merge
		// retroactively.
		reason := fmt.Sprintf("late_arrival_after_merge: branch %s", tok.BranchName)
		if _, err := c.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
			RunID:     c.runID,
			TokenID:   tok.TokenID,
			Outcome:   landscape.OutcomeFailed,
			ErrorHash: errorHash(reason),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	pj := c.pending[tok.RowID]
	if pj == nil {
		pj = &pendingJoin{branches: make(map[string]*tokens.Token), firstSeen: c.clock()}
		c.pending[tok.RowID] = pj
	}
	if _, dup := pj.branches[tok.BranchName]; dup {
		panic(fmt.Sprintf("engine: duplicate branch %q arrival at coalesce %s for row %s",
			tok.BranchName, c.node.Name, tok.RowID))
	}
	pj.branches[tok.BranchName] = tok
	pj.arrival = append(pj.arrival, tok.BranchName)

	if !c.ready(pj) {
		return nil, nil
	}
	return c.fire(ctx, tok.RowID, pj)
}

// ready evaluates the arrival-driven part of the policy. best_effort waits
// for all branches too: it only degrades on timeout or flush.
func (c *coalesceExecutor) ready(pj *pendingJoin) bool {
	switch c.cfg.Policy {
	case "first":
		return len(pj.branches) >= 1
	case "quorum":
		return len(pj.branches) >= c.cfg.Quorum
	default: // require_all, best_effort
		return len(pj.branches) == len(c.cfg.Branches)
	}
}

// CheckTimeouts fires or fails every pending join older than the configured
// timeout. Returns the merged tokens that may continue downstream.
func (c *coalesceExecutor) CheckTimeouts(ctx context.Context) ([]*joinResult, error) {
	if c.cfg.TimeoutSeconds <= 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Duration(c.cfg.TimeoutSeconds * float64(time.Second))
	now := c.clock()

	var out []*joinResult
	for rowID, pj := range c.pending {
		if now.Sub(pj.firstSeen) < deadline {
			continue
		}
		reason := "incomplete_branches"
		if c.cfg.Policy == "quorum" {
			reason = "quorum_not_met_at_timeout"
		}
		res, err := c.expire(ctx, rowID, pj, reason)
		if err != nil {
			return out, err
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// FlushPending drains every pending join at end-of-source under each
// policy's terminal rule.
func (c *coalesceExecutor) FlushPending(ctx context.Context) ([]*joinResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*joinResult
	for rowID, pj := range c.pending {
		reason := "incomplete_branches"
		if c.cfg.Policy == "quorum" {
			reason = "quorum_not_met"
		}
		res, err := c.expire(ctx, rowID, pj, reason)
		if err != nil {
			return out, err
		}
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// expire resolves one overdue or flushed join: best_effort merges whatever
// arrived, everything else fails the held branches. Caller holds the lock.
func (c *coalesceExecutor) expire(ctx context.Context, rowID string, pj *pendingJoin, reason string) (*joinResult, error) {
	if c.cfg.Policy == "best_effort" {
		return c.fire(ctx, rowID, pj)
	}
	if c.cfg.Policy == "quorum" && len(pj.branches) >= c.cfg.Quorum {
		return c.fire(ctx, rowID, pj)
	}
	return nil, c.fail(ctx, rowID, pj, reason)
}

// fire merges a satisfied join. Caller holds the lock.
func (c *coalesceExecutor) fire(ctx context.Context, rowID string, pj *pendingJoin) (*joinResult, error) {
	merged, err := c.merge(ctx, pj)
	if err != nil {
		return nil, c.fail(ctx, rowID, pj, err.Error())
	}
	parents := make([]*tokens.Token, 0, len(pj.branches))
	for _, branch := range c.cfg.Branches {
		if t, ok := pj.branches[branch]; ok {
			parents = append(parents, t)
		}
	}
	child, joinGroup, err := c.toks.Coalesce(ctx, c.runID, parents, merged, c.node.Sequence)
	if err != nil {
		return nil, err
	}
	c.close(rowID)
	return &joinResult{Merged: child, JoinGroup: joinGroup}, nil
}

// fail records FAILED for every held branch token and closes the join.
// Caller holds the lock.
func (c *coalesceExecutor) fail(ctx context.Context, rowID string, pj *pendingJoin, reason string) error {
	expected, _ := json.Marshal(c.cfg.Branches)
	hash := errorHash(reason)
	for _, branch := range c.cfg.Branches {
		t, ok := pj.branches[branch]
		if !ok {
			continue
		}
		if _, err := c.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
			RunID:                c.runID,
			TokenID:              t.TokenID,
			Outcome:              landscape.OutcomeFailed,
			ErrorHash:            hash,
			ContextJSON:          fmt.Sprintf(`{"reason":%q}`, reason),
			ExpectedBranchesJSON: string(expected),
		}); err != nil {
			return err
		}
	}
	c.close(rowID)
	return nil
}

func (c *coalesceExecutor) close(rowID string) {
	delete(c.pending, rowID)
	c.completed[rowID] = true
	c.order = append(c.order, rowID)
	for len(c.order) > completedJoinLimit {
		delete(c.completed, c.order[0])
		c.order = c.order[1:]
	}
}

// merge builds the merged payload per the configured strategy.
func (c *coalesceExecutor) merge(ctx context.Context, pj *pendingJoin) (map[string]any, error) {
	switch c.cfg.Merge {
	case "union":
		// Shallow merge in declared branch order; later branches win on
		// key collision.
		out := make(map[string]any)
		for _, branch := range c.cfg.Branches {
			t, ok := pj.branches[branch]
			if !ok {
				continue
			}
			for k, v := range t.Data {
				out[k] = v
			}
		}
		return out, nil
	case "select_branch":
		t, ok := pj.branches[c.cfg.SelectBranch]
		if !ok {
			return nil, fmt.Errorf("select_branch_not_arrived: %s", c.cfg.SelectBranch)
		}
		return t.Data, nil
	case "nested":
		out := make(map[string]any, len(pj.branches))
		for branch, t := range pj.branches {
			out[branch] = t.Data
		}
		return out, nil
	case "custom":
		if c.merger == nil {
			return nil, fmt.Errorf("custom merge on %s has no merger plugin", c.node.Name)
		}
		rows := make(map[string]map[string]any, len(pj.branches))
		for branch, t := range pj.branches {
			rows[branch] = t.Data
		}
		return c.merger.Merge(ctx, rows)
	default:
		panic(fmt.Sprintf("engine: unknown merge strategy %q on %s", c.cfg.Merge, c.node.Name))
	}
}

// PendingCount reports how many joins are held, for tests and draining.
func (c *coalesceExecutor) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
