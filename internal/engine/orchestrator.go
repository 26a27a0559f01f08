package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/checkpoint"
	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/expr"
	"github.com/tachyon-beep/elspeth/internal/graph"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/plugins"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
	"github.com/tachyon-beep/elspeth/internal/tokens"
)

// coalesceTickInterval drives timeout evaluation for pending joins.
const coalesceTickInterval = 5 * time.Millisecond

// Options wires the orchestrator's collaborators. Dispatcher and
// Checkpoints may be nil when the feature is disabled.
type Options struct {
	Dispatcher  *telemetry.Dispatcher
	Checkpoints *checkpoint.Manager
	Logger      zerolog.Logger
	Clock       func() time.Time
}

// RowFailure is one row that gave up after retries.
type RowFailure struct {
	RowIndex int
	TokenID  string
	Reason   string
	Attempts int
}

// Result summarizes a completed or aborted run.
type Result struct {
	RunID           string
	Status          landscape.RunStatus
	RowsRead        int
	RowsQuarantined int
	Failures        []RowFailure
}

// Orchestrator executes one pipeline run end to end.
type Orchestrator struct {
	pipe    *Pipeline
	cfg     *config.Config
	rec     *landscape.Recorder
	rd      *landscape.Reader
	toks    *tokens.Manager
	disp    *telemetry.Dispatcher
	cp      *checkpoint.Manager
	log     zerolog.Logger
	clock   func() time.Time
	limiter *rate.Limiter
	backoff BackoffPolicy

	// Run-scoped state, reset by Run/Resume.
	runID      string
	topoHash   string
	edgeIDs    map[string]string // from + "\x00" + label → edge_id
	conditions map[string]*expr.Expression
	coalesces  map[string]*coalesceExecutor

	mu         sync.Mutex
	sinkQueues map[string]*sinkQueue
	aggs       map[string]*aggBuffer
	failures   []RowFailure
	abortErr   error
}

type sinkQueue struct {
	rows      []map[string]any
	members   []sinkMember
	batchSize int
}

// sinkMember pairs a queued row with the token awaiting attribution.
// terminal marks tokens that already carry a terminal outcome (quarantine
// routing): the sink write must not record a second one.
type sinkMember struct {
	token    *tokens.Token
	outcome  landscape.Outcome
	terminal bool
}

type aggBuffer struct {
	node       *graph.Node
	batch      *landscape.Batch
	members    []*tokens.Token
	flushCount int
}

// New builds an orchestrator over an assembled pipeline.
func New(pipe *Pipeline, rec *landscape.Recorder, rd *landscape.Reader, toks *tokens.Manager, opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	var limiter *rate.Limiter
	if rps := pipe.Config.Orchestrator.RateLimit.RequestsPerSecond; rps > 0 {
		burst := pipe.Config.Orchestrator.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Orchestrator{
		pipe:    pipe,
		cfg:     pipe.Config,
		rec:     rec,
		rd:      rd,
		toks:    toks,
		disp:    opts.Dispatcher,
		cp:      opts.Checkpoints,
		log:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		clock:   clock,
		limiter: limiter,
		backoff: policyFromRetry(pipe.Config.Orchestrator.Retry),
	}
}

// Run executes the pipeline from the start of the source.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	configHash := canonical.MustHash(o.cfg.Document())
	settings, err := canonical.Bytes(o.cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("engine: settings not canonicalizable: %w", err)
	}
	run, err := o.rec.BeginRun(ctx, configHash, string(settings))
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run.RunID, configHash, -1)
}

// Resume continues a failed run from its latest checkpoint. Rows at or
// before the checkpointed row are skipped by row_index.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Result, error) {
	topoHash := o.pipe.Graph.TopologyHash()
	srcNode := o.pipe.Graph.Source()
	res, err := checkpoint.CanResume(ctx, o.rd, runID, topoHash, canonical.MustHash(srcNode.Def.Config))
	if err != nil {
		return nil, err
	}
	cp := res.Checkpoint

	tok, err := o.rd.GetToken(ctx, cp.TokenID)
	if err != nil {
		return nil, err
	}
	rows, err := o.rd.RowsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	skipThrough := -1
	for _, row := range rows {
		if row.RowID == tok.RowID {
			skipThrough = row.RowIndex
			break
		}
	}
	if skipThrough < 0 {
		return nil, &checkpoint.IncompatibleCheckpointError{RunID: runID, Reason: "checkpoint token has no source row"}
	}

	if err := o.rec.ResumeRun(ctx, runID); err != nil {
		return nil, err
	}
	if o.cp != nil {
		o.cp.SeedSequence(cp.SequenceNumber)
	}
	o.log.Info().Str("run_id", runID).Int("skip_through", skipThrough).Msg("resuming from checkpoint")

	runRec, err := o.rd.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, runID, runRec.ConfigHash, skipThrough)
}

// execute is the shared run loop. skipThrough >= 0 resumes past already
// processed rows.
func (o *Orchestrator) execute(ctx context.Context, runID, configHash string, skipThrough int) (*Result, error) {
	o.runID = runID
	o.topoHash = o.pipe.Graph.TopologyHash()
	o.sinkQueues = make(map[string]*sinkQueue)
	o.failures = nil
	o.abortErr = nil

	if err := o.registerTopology(ctx); err != nil {
		return o.finish(ctx, landscape.RunFailed, 0, 0, err)
	}
	o.compileGates()
	o.initAggregations()
	o.initCoalesces()

	o.emit(telemetry.RunStarted(runID, configHash))

	result, err := o.stream(ctx, skipThrough)
	if err != nil {
		return o.finish(ctx, landscape.RunFailed, result.RowsRead, result.RowsQuarantined, err)
	}
	status := landscape.RunCompleted
	if o.aborted() != nil {
		status = landscape.RunFailed
		err = o.aborted()
	}
	return o.finish(ctx, status, result.RowsRead, result.RowsQuarantined, err)
}

func (o *Orchestrator) finish(ctx context.Context, status landscape.RunStatus, rows, quarantined int, cause error) (*Result, error) {
	if err := o.rec.CompleteRun(ctx, o.runID, status); err != nil {
		o.log.Error().Err(err).Str("run_id", o.runID).Msg("completing run record")
	}
	if status == landscape.RunCompleted && o.cp != nil {
		// Checkpoints are recovery state; a completed run has nothing to
		// recover.
		if err := o.cp.Clear(ctx, o.runID); err != nil {
			o.log.Warn().Err(err).Str("run_id", o.runID).Msg("clearing checkpoints")
		}
	}
	o.emit(telemetry.RunCompleted(o.runID, string(status), rows))
	res := &Result{
		RunID:           o.runID,
		Status:          status,
		RowsRead:        rows,
		RowsQuarantined: quarantined,
		Failures:        o.failures,
	}
	if cause != nil {
		return res, fmt.Errorf("engine: run %s: %w", o.runID, cause)
	}
	return res, nil
}

// registerTopology records nodes in topological order and all edges.
func (o *Orchestrator) registerTopology(ctx context.Context) error {
	g := o.pipe.Graph
	for _, id := range g.TopologicalOrder() {
		n := g.NodeInfo(id)
		spec := landscape.NodeSpec{
			PluginName:         n.Name,
			NodeType:           n.Kind,
			PluginVersion:      n.Def.PluginVersion,
			Determinism:        n.Def.Determinism,
			Config:             o.nodeConfig(n),
			SequenceInPipeline: n.Sequence,
		}
		if spec.Determinism == "" {
			spec.Determinism = landscape.Deterministic
		}
		reg, err := o.rec.RegisterNode(ctx, o.runID, spec)
		if err != nil {
			return err
		}
		if reg.NodeID != n.ID {
			panic(fmt.Sprintf("engine: node identity drift: graph %s vs recorder %s", n.ID, reg.NodeID))
		}
	}
	o.edgeIDs = make(map[string]string)
	for _, e := range g.Edges() {
		reg, err := o.rec.RegisterEdge(ctx, o.runID, e.From, e.To, e.Label, e.Mode)
		if err != nil {
			return err
		}
		o.edgeIDs[e.From+"\x00"+e.Label] = reg.EdgeID
	}
	return nil
}

// nodeConfig is the per-node config payload both the graph builder and the
// recorder hash; they must agree byte for byte.
func (o *Orchestrator) nodeConfig(n *graph.Node) map[string]any {
	switch {
	case n.Gate != nil:
		return n.Gate.Config
	case n.Coalesce != nil:
		return n.Coalesce.Config
	default:
		return n.Def.Config
	}
}

func (o *Orchestrator) compileGates() {
	o.conditions = make(map[string]*expr.Expression)
	for _, id := range o.pipe.Graph.TopologicalOrder() {
		n := o.pipe.Graph.NodeInfo(id)
		if n.Gate == nil {
			continue
		}
		e, err := expr.Parse(n.Gate.Condition)
		if err != nil {
			// Conditions were parsed at config load; failing here is a
			// framework bug.
			panic(fmt.Sprintf("engine: gate %s condition failed to re-parse: %v", n.Name, err))
		}
		o.conditions[id] = e
	}
}

func (o *Orchestrator) initAggregations() {
	o.aggs = make(map[string]*aggBuffer)
	for _, id := range o.pipe.Graph.TopologicalOrder() {
		n := o.pipe.Graph.NodeInfo(id)
		if n.Kind != landscape.NodeAggregation {
			continue
		}
		flushCount := 0
		if v, ok := n.Def.Config["flush_count"]; ok {
			switch c := v.(type) {
			case int:
				flushCount = c
			case float64:
				flushCount = int(c)
			}
		}
		o.aggs[id] = &aggBuffer{node: n, flushCount: flushCount}
	}
}

func (o *Orchestrator) initCoalesces() {
	o.coalesces = make(map[string]*coalesceExecutor)
	for _, id := range o.pipe.Graph.TopologicalOrder() {
		n := o.pipe.Graph.NodeInfo(id)
		if n.Coalesce == nil {
			continue
		}
		cfg := o.pipe.Coalesces[n.Name]
		o.coalesces[id] = newCoalesceExecutor(o.rec, o.toks, o.runID, n, cfg, o.pipe.Mergers[n.Name], o.clock)
	}
}

// stream drives the source iterator and the worker pool.
func (o *Orchestrator) stream(ctx context.Context, skipThrough int) (*Result, error) {
	g := o.pipe.Graph
	srcNode := g.Source()

	op, err := o.rec.BeginOperation(ctx, o.runID, srcNode.ID, "source_load", "", "")
	if err != nil {
		return &Result{}, err
	}
	opStart := o.clock()

	if err := o.pipe.Source.OnStart(ctx); err != nil {
		o.failOperation(ctx, op.OperationID, opStart, err)
		return &Result{}, fmt.Errorf("source start: %w", err)
	}
	stream, err := o.pipe.Source.Load(ctx)
	if err != nil {
		o.failOperation(ctx, op.OperationID, opStart, err)
		return &Result{}, fmt.Errorf("source load: %w", err)
	}
	defer stream.Close()

	firstEdge, ok := g.OutgoingByLabel(srcNode.ID, graph.RouteContinue)
	if !ok {
		panic("engine: source node has no continue edge")
	}

	stopTick := o.startCoalesceTicker(ctx, firstEdge.To)
	defer stopTick()

	sem := make(chan struct{}, o.cfg.Orchestrator.Concurrency.MaxWorkers)
	var wg sync.WaitGroup

	rowsRead, quarantined := 0, 0
	rowIndex := -1
	var streamErr error
	for {
		if o.aborted() != nil {
			break
		}
		sr, more, err := stream.Next(ctx)
		if err != nil {
			streamErr = err
			break
		}
		if !more {
			break
		}
		rowIndex++
		if rowIndex <= skipThrough {
			continue
		}
		rowsRead++
		if sr.Quarantined {
			quarantined++
			if err := o.handleQuarantine(ctx, srcNode.ID, rowIndex, sr); err != nil {
				streamErr = err
				break
			}
			continue
		}
		tok, err := o.admitRow(ctx, srcNode.ID, rowIndex, sr.Row)
		if err != nil {
			streamErr = err
			break
		}
		if tok == nil {
			quarantined++
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t *tokens.Token, idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			o.walk(ctx, t, firstEdge.To)
			o.markRow(ctx, t, idx)
		}(tok, rowIndex)
	}
	wg.Wait()

	result := &Result{RowsRead: rowsRead, RowsQuarantined: quarantined}
	if streamErr != nil {
		o.failOperation(ctx, op.OperationID, opStart, streamErr)
		return result, fmt.Errorf("source: %w", streamErr)
	}

	// End-of-source: flush aggregation buffers, drain pending joins, then
	// write sinks.
	o.flushAggregations(ctx)
	o.drainCoalesces(ctx)
	o.flushSinks(ctx)

	if err := o.pipe.Source.OnComplete(ctx); err != nil {
		o.log.Warn().Err(err).Msg("source on_complete")
	}
	if err := o.rec.CompleteOperation(ctx, op.OperationID, "SUCCESS", "", "", "",
		float64(o.clock().Sub(opStart))/float64(time.Millisecond)); err != nil {
		return result, err
	}
	return result, nil
}

func (o *Orchestrator) failOperation(ctx context.Context, opID string, started time.Time, cause error) {
	err := o.rec.CompleteOperation(ctx, opID, "ERROR", "", "", cause.Error(),
		float64(o.clock().Sub(started))/float64(time.Millisecond))
	if err != nil {
		o.log.Error().Err(err).Msg("closing failed operation")
	}
}

// admitRow creates the Row and initial Token. Rows whose payload cannot be
// canonically hashed are Tier-3 data: they quarantine with a repr hash
// instead of aborting.
func (o *Orchestrator) admitRow(ctx context.Context, sourceNodeID string, rowIndex int, data map[string]any) (*tokens.Token, error) {
	hash, err := canonical.Hash(data)
	if err != nil {
		reason := fmt.Sprintf("row payload not canonicalizable: %v", err)
		_, qerr := o.toks.CreateQuarantine(ctx, o.runID, sourceNodeID, rowIndex, data,
			canonical.ReprHash(data), errorHash(reason), fmt.Sprintf(`{"reason":%q}`, reason))
		return nil, qerr
	}
	tok, _, err := o.toks.CreateInitial(ctx, o.runID, sourceNodeID, rowIndex, data, hash, "")
	return tok, err
}

func (o *Orchestrator) handleQuarantine(ctx context.Context, sourceNodeID string, rowIndex int, sr plugins.SourceRow) error {
	tok, err := o.toks.CreateQuarantine(ctx, o.runID, sourceNodeID, rowIndex, sr.Row,
		canonical.ReprHash(sr.Row), errorHash(sr.Reason), fmt.Sprintf(`{"reason":%q}`, sr.Reason))
	if err != nil {
		return err
	}
	rowJSON, _ := json.Marshal(sr.Row)
	if _, err := o.rec.RecordValidationError(ctx, landscape.ValidationError{
		RunID:         o.runID,
		NodeID:        sourceNodeID,
		RowDataJSON:   string(rowJSON),
		Error:         sr.Reason,
		Destination:   sr.Destination,
		ViolationType: "contract_violation",
	}); err != nil {
		return err
	}
	if sr.Destination != "" && sr.Destination != "discard" {
		if _, ok := o.pipe.Sinks[sr.Destination]; ok {
			o.enqueueSink(sr.Destination, sr.Row, sinkMember{token: tok, terminal: true})
		} else {
			o.log.Warn().Str("destination", sr.Destination).Msg("quarantine destination is not a configured sink; dropping")
		}
	}
	return nil
}

// markRow runs after a row's walk completes: checkpoint interval accounting
// and the per-row telemetry event.
func (o *Orchestrator) markRow(ctx context.Context, tok *tokens.Token, rowIndex int) {
	if o.cp != nil {
		src := o.pipe.Graph.Source()
		o.mu.Lock()
		err := o.cp.Mark(ctx, o.runID, tok.TokenID, src.ID, o.topoHash, canonical.MustHash(src.Def.Config), nil)
		o.mu.Unlock()
		if err != nil {
			o.log.Error().Err(err).Int("row_index", rowIndex).Msg("checkpoint write failed")
		}
	}
	o.emit(telemetry.RowProcessed(o.runID, tok.TokenID, rowIndex, "processed"))
}

// walk advances one token through the topology until it parks (sink queue,
// aggregation buffer, pending join) or fails.
func (o *Orchestrator) walk(ctx context.Context, tok *tokens.Token, nodeID string) {
	g := o.pipe.Graph
	for {
		if o.aborted() != nil || ctx.Err() != nil {
			return
		}
		node := g.NodeInfo(nodeID)
		if node == nil {
			panic(fmt.Sprintf("engine: token %s routed to unknown node %s", tok.TokenID, nodeID))
		}
		switch node.Kind {
		case landscape.NodeSink:
			outcome := landscape.OutcomeRouted
			if node.Name == g.OutputSink() {
				outcome = landscape.OutcomeCompleted
			}
			o.enqueueSink(node.Name, tok.Data, sinkMember{token: tok, outcome: outcome})
			return

		case landscape.NodeTransform:
			next, children, done := o.runTransform(ctx, tok, node)
			if done {
				return
			}
			if children != nil {
				for _, child := range children {
					o.walk(ctx, child, next)
				}
				return
			}
			nodeID = next

		case landscape.NodeAggregation:
			o.bufferForAggregation(ctx, tok, node)
			return

		case landscape.NodeGate:
			next, forks, done := o.runGate(ctx, tok, node)
			if done {
				return
			}
			if forks != nil {
				for _, f := range forks {
					o.walk(ctx, f.token, f.target)
				}
				return
			}
			nodeID = next

		case landscape.NodeCoalesce:
			res, err := o.coalesces[nodeID].Accept(ctx, tok)
			if err != nil {
				o.abort(err)
				return
			}
			if res == nil {
				return
			}
			tok = res.Merged
			nodeID = o.continueTarget(nodeID)

		default:
			panic(fmt.Sprintf("engine: token %s reached %s node %s", tok.TokenID, node.Kind, nodeID))
		}
	}
}

func (o *Orchestrator) continueTarget(nodeID string) string {
	edge, ok := o.pipe.Graph.OutgoingByLabel(nodeID, graph.RouteContinue)
	if !ok {
		panic(fmt.Sprintf("engine: node %s has no continue edge", nodeID))
	}
	return edge.To
}

// runTransform executes one transform with the row-level retry policy.
// Returns the next node, expansion children (for 1→N transforms), or
// done=true when the token reached a terminal outcome.
func (o *Orchestrator) runTransform(ctx context.Context, tok *tokens.Token, node *graph.Node) (string, []*tokens.Token, bool) {
	tr := o.pipe.Transforms[node.ID]
	maxAttempts := o.cfg.Orchestrator.Retry.MaxAttempts
	next := o.continueTarget(node.ID)

	// Capacity pushback retries against a wall-clock budget instead of the
	// attempt counter.
	var capacitySince time.Time

	for attempt := 1; ; attempt++ {
		inHash := o.dataHash(tok.Data)
		st, err := o.rec.OpenNodeState(ctx, tok.TokenID, node.ID, node.Sequence, attempt, inHash, "")
		if err != nil {
			o.abort(err)
			return "", nil, true
		}
		if o.limiter != nil && node.Def.Determinism == landscape.ExternalCall {
			if err := o.limiter.Wait(ctx); err != nil {
				o.abort(err)
				return "", nil, true
			}
		}
		start := o.clock()
		res := tr.Process(ctx, tok.Data)
		durMS := float64(o.clock().Sub(start)) / float64(time.Millisecond)

		if node.Def.Determinism == landscape.ExternalCall {
			if err := o.recordCallAttempt(ctx, st.StateID, inHash, res, durMS); err != nil {
				o.abort(err)
				return "", nil, true
			}
		}

		if res.Status == plugins.ResultSuccess {
			if len(res.Rows) > 0 {
				if !node.Def.CreatesTokens {
					// A transform returning multiple rows without declaring
					// creates_tokens is a plugin contract bug.
					panic(fmt.Sprintf("engine: transform %s returned %d rows without creates_tokens", node.Name, len(res.Rows)))
				}
				outHash := o.dataHash(map[string]any{"rows": anyRows(res.Rows)})
				if err := o.rec.CompleteNodeState(ctx, st.StateID, outHash, durMS); err != nil {
					o.abort(err)
					return "", nil, true
				}
				children, _, err := o.toks.Expand(ctx, o.runID, tok, res.Rows)
				if err != nil {
					o.abort(err)
					return "", nil, true
				}
				o.emit(telemetry.NodeCompleted(o.runID, tok.TokenID, node.ID, durMS))
				return next, children, false
			}
			if res.Row == nil {
				// Declared-output mismatch is a configuration bug, not row
				// data.
				panic(fmt.Sprintf("engine: transform %s succeeded with no output row", node.Name))
			}
			tok.Data = res.Row
			if err := o.rec.CompleteNodeState(ctx, st.StateID, o.dataHash(tok.Data), durMS); err != nil {
				o.abort(err)
				return "", nil, true
			}
			o.emit(telemetry.NodeCompleted(o.runID, tok.TokenID, node.ID, durMS))
			return next, nil, false
		}

		errJSON, _ := json.Marshal(map[string]any{
			"type":      "plugin_error",
			"message":   res.Reason,
			"retryable": res.Retryable,
		})
		if err := o.rec.FailNodeState(ctx, st.StateID, string(errJSON), durMS); err != nil {
			o.abort(err)
			return "", nil, true
		}
		giveUp := !res.Retryable || attempt >= maxAttempts
		if res.Capacity && res.Retryable {
			if capacitySince.IsZero() {
				capacitySince = o.clock()
			}
			giveUp = o.clock().Sub(capacitySince) >= o.cfg.Orchestrator.Retry.MaxCapacityRetry()
		}
		if giveUp {
			o.log.Error().
				Str("token_id", tok.TokenID).
				Str("node_id", node.ID).
				Str("reason", res.Reason).
				Msgf("Row processing failed after %d attempts", attempt)
			if _, err := o.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
				RunID:     o.runID,
				TokenID:   tok.TokenID,
				Outcome:   landscape.OutcomeFailed,
				ErrorHash: errorHash(res.Reason),
			}); err != nil {
				o.abort(err)
				return "", nil, true
			}
			o.recordFailure(RowFailure{TokenID: tok.TokenID, Reason: res.Reason, Attempts: attempt})
			o.emit(telemetry.RowFailed(o.runID, tok.TokenID, attempt, res.Reason))
			return "", nil, true
		}
		delay := o.backoff.DelayForAttempt(attempt, fmt.Sprintf("%s:%s:%d", o.runID, tok.TokenID, attempt))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			o.abort(ctx.Err())
			return "", nil, true
		}
	}
}

// recordCallAttempt writes one calls row per external-call attempt, so the
// audit trail keeps every wire interaction including the retried ones.
func (o *Orchestrator) recordCallAttempt(ctx context.Context, stateID, reqHash string, res plugins.TransformResult, durMS float64) error {
	rec := landscape.CallRecord{
		StateID:     stateID,
		CallType:    landscape.CallHTTP,
		Status:      landscape.CallSuccess,
		RequestHash: reqHash,
		LatencyMS:   &durMS,
	}
	if res.Status == plugins.ResultSuccess {
		if res.Row != nil {
			rec.RespHash = o.dataHash(res.Row)
		}
	} else {
		rec.Status = landscape.CallError
		errJSON, _ := json.Marshal(map[string]any{
			"message":   res.Reason,
			"retryable": res.Retryable,
			"capacity":  res.Capacity,
		})
		rec.ErrorJSON = string(errJSON)
	}
	_, err := o.rec.RecordCall(ctx, rec)
	return err
}

// forkChild pairs a forked token with the node its branch edge targets.
type forkChild struct {
	token  *tokens.Token
	target string
}

// runGate evaluates the condition and routes the token. Returns the next
// node for continue-class routes, fork children, or done=true.
func (o *Orchestrator) runGate(ctx context.Context, tok *tokens.Token, node *graph.Node) (string, []forkChild, bool) {
	gd := node.Gate
	cond := o.conditions[node.ID]

	st, err := o.rec.OpenNodeState(ctx, tok.TokenID, node.ID, node.Sequence, 1, o.dataHash(tok.Data), "")
	if err != nil {
		o.abort(err)
		return "", nil, true
	}
	start := o.clock()
	value, evalErr := cond.Evaluate(tok.Data)
	durMS := float64(o.clock().Sub(start)) / float64(time.Millisecond)

	failToken := func(reason string) {
		errJSON, _ := json.Marshal(map[string]any{"type": "gate_error", "message": reason})
		if err := o.rec.FailNodeState(ctx, st.StateID, string(errJSON), durMS); err != nil {
			o.abort(err)
			return
		}
		if _, err := o.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
			RunID:     o.runID,
			TokenID:   tok.TokenID,
			Outcome:   landscape.OutcomeFailed,
			ErrorHash: errorHash(reason),
		}); err != nil {
			o.abort(err)
			return
		}
		o.recordFailure(RowFailure{TokenID: tok.TokenID, Reason: reason, Attempts: 1})
	}

	if evalErr != nil {
		failToken(fmt.Sprintf("gate %s: %v", node.Name, evalErr))
		return "", nil, true
	}

	var label string
	if cond.IsBoolean() {
		if value == true {
			label = "true"
		} else {
			label = "false"
		}
	} else {
		s, ok := value.(string)
		if !ok {
			failToken(fmt.Sprintf("gate %s: condition produced %T, want a route label string", node.Name, value))
			return "", nil, true
		}
		label = s
	}
	target, ok := gd.Routes[label]
	if !ok {
		failToken(fmt.Sprintf("gate %s: no route for label %q", node.Name, label))
		return "", nil, true
	}
	if err := o.rec.CompleteNodeState(ctx, st.StateID, o.dataHash(tok.Data), durMS); err != nil {
		o.abort(err)
		return "", nil, true
	}

	reasonHash := errorHash(fmt.Sprintf("%s=%s", gd.Condition, label))
	if target == graph.RouteFork {
		children, _, err := o.toks.Fork(ctx, o.runID, tok, gd.ForkTo)
		if err != nil {
			o.abort(err)
			return "", nil, true
		}
		decisions := make([]landscape.RoutingDecision, 0, len(gd.ForkTo))
		forks := make([]forkChild, 0, len(children))
		for i, branch := range gd.ForkTo {
			edge, ok := o.pipe.Graph.OutgoingByLabel(node.ID, branch)
			if !ok {
				panic(fmt.Sprintf("engine: gate %s has no edge for branch %q", node.Name, branch))
			}
			decisions = append(decisions, landscape.RoutingDecision{
				EdgeID:     o.edgeIDs[node.ID+"\x00"+branch],
				Mode:       landscape.ModeCopy,
				ReasonHash: reasonHash,
			})
			forks = append(forks, forkChild{token: children[i], target: edge.To})
		}
		if _, err := o.rec.RecordRoutingEvents(ctx, st.StateID, decisions); err != nil {
			o.abort(err)
			return "", nil, true
		}
		return "", forks, false
	}

	edge, okEdge := o.pipe.Graph.OutgoingByLabel(node.ID, label)
	if !okEdge && target == graph.RouteContinue {
		// Chain-linked continue: the builder reuses the chain edge when the
		// label is "continue" itself.
		edge, okEdge = o.pipe.Graph.OutgoingByLabel(node.ID, graph.RouteContinue)
	}
	if !okEdge {
		panic(fmt.Sprintf("engine: gate %s has no edge for label %q", node.Name, label))
	}
	if _, err := o.rec.RecordRoutingEvents(ctx, st.StateID, []landscape.RoutingDecision{{
		EdgeID:     o.edgeIDs[node.ID+"\x00"+edge.Label],
		Mode:       landscape.ModeMove,
		ReasonHash: reasonHash,
	}}); err != nil {
		o.abort(err)
		return "", nil, true
	}
	return edge.To, nil, false
}

// bufferForAggregation parks a token in its batch. The flush-count trigger
// fires inline; end-of-source flushes the remainder.
func (o *Orchestrator) bufferForAggregation(ctx context.Context, tok *tokens.Token, node *graph.Node) {
	o.mu.Lock()
	buf := o.aggs[node.ID]
	if buf.batch == nil {
		batch, err := o.rec.CreateBatch(ctx, o.runID, node.ID)
		if err != nil {
			o.mu.Unlock()
			o.abort(err)
			return
		}
		buf.batch = batch
	}
	ordinal := len(buf.members)
	if err := o.rec.AddBatchMember(ctx, o.runID, buf.batch.BatchID, tok.TokenID, ordinal); err != nil {
		o.mu.Unlock()
		o.abort(err)
		return
	}
	buf.members = append(buf.members, tok)
	shouldFlush := buf.flushCount > 0 && len(buf.members) >= buf.flushCount
	o.mu.Unlock()

	if shouldFlush {
		o.flushAggregation(ctx, node.ID)
	}
}

func (o *Orchestrator) flushAggregations(ctx context.Context) {
	for _, id := range o.pipe.Graph.TopologicalOrder() {
		if _, ok := o.aggs[id]; ok {
			o.flushAggregation(ctx, id)
		}
	}
}

// flushAggregation consumes the batch members, runs the batch transform,
// and expands the outputs into fresh tokens that continue downstream.
func (o *Orchestrator) flushAggregation(ctx context.Context, nodeID string) {
	o.mu.Lock()
	buf := o.aggs[nodeID]
	members := buf.members
	batch := buf.batch
	buf.members = nil
	buf.batch = nil
	o.mu.Unlock()
	if len(members) == 0 {
		return
	}

	node := buf.node
	tr, ok := o.pipe.Transforms[nodeID].(plugins.BatchTransform)
	if !ok {
		panic(fmt.Sprintf("engine: aggregation %s does not implement batch processing", node.Name))
	}

	for _, m := range members {
		if _, err := o.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
			RunID:   o.runID,
			TokenID: m.TokenID,
			Outcome: landscape.OutcomeConsumedInBatch,
			BatchID: batch.BatchID,
		}); err != nil {
			o.abort(err)
			return
		}
	}

	rows := make([]map[string]any, len(members))
	for i, m := range members {
		rows[i] = m.Data
	}
	results := tr.ProcessBatch(ctx, rows)

	var outputs []map[string]any
	for _, res := range results {
		if res.Status != plugins.ResultSuccess {
			o.log.Warn().Str("node_id", nodeID).Str("reason", res.Reason).Msg("batch row failed")
			continue
		}
		if len(res.Rows) > 0 {
			outputs = append(outputs, res.Rows...)
		} else if res.Row != nil {
			outputs = append(outputs, res.Row)
		}
	}
	for i, out := range outputs {
		if err := o.rec.RecordBatchOutput(ctx, batch.BatchID, o.dataHash(out), i); err != nil {
			o.abort(err)
			return
		}
	}
	o.emit(telemetry.BatchFlushed(o.runID, nodeID, batch.BatchID, len(members)))

	if o.cp != nil {
		o.mu.Lock()
		err := o.cp.MarkAggregationBoundary(ctx, o.runID, members[0].TokenID, nodeID, o.topoHash,
			canonical.MustHash(node.Def.Config), emptyAggState())
		o.mu.Unlock()
		if err != nil {
			o.log.Error().Err(err).Msg("aggregation-boundary checkpoint failed")
		}
	}

	if len(outputs) == 0 {
		return
	}
	children, _, err := o.toks.ExpandForBatch(ctx, o.runID, members[0], outputs)
	if err != nil {
		o.abort(err)
		return
	}
	next := o.continueTarget(nodeID)
	for _, child := range children {
		o.walk(ctx, child, next)
	}
}

// startCoalesceTicker drives timeout evaluation while the run streams.
func (o *Orchestrator) startCoalesceTicker(ctx context.Context, firstNode string) func() {
	timed := false
	for _, ex := range o.coalesces {
		if ex.cfg.TimeoutSeconds > 0 {
			timed = true
		}
	}
	if !timed {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(coalesceTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for id, ex := range o.coalesces {
					merged, err := ex.CheckTimeouts(ctx)
					if err != nil {
						o.abort(err)
						return
					}
					for _, res := range merged {
						o.walk(ctx, res.Merged, o.continueTarget(id))
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// drainCoalesces applies each policy's end-of-source rule to pending joins.
func (o *Orchestrator) drainCoalesces(ctx context.Context) {
	for _, id := range o.pipe.Graph.TopologicalOrder() {
		ex, ok := o.coalesces[id]
		if !ok {
			continue
		}
		merged, err := ex.FlushPending(ctx)
		if err != nil {
			o.abort(err)
			return
		}
		for _, res := range merged {
			o.walk(ctx, res.Merged, o.continueTarget(id))
		}
	}
}

// enqueueSink parks a row on its sink's queue and flushes the queue as a
// batch once it reaches the sink's batch size.
func (o *Orchestrator) enqueueSink(name string, row map[string]any, member sinkMember) {
	o.mu.Lock()
	q := o.sinkQueues[name]
	if q == nil {
		q = &sinkQueue{batchSize: o.sinkBatchSize(name)}
		o.sinkQueues[name] = q
	}
	q.rows = append(q.rows, row)
	q.members = append(q.members, member)
	due := len(q.rows) >= q.batchSize
	o.mu.Unlock()
	if due {
		o.flushSink(context.Background(), name)
	}
}

// defaultSinkBatchSize bounds how many rows a sink queue buffers before a
// batch write.
const defaultSinkBatchSize = 100

func (o *Orchestrator) sinkBatchSize(name string) int {
	if opts := o.cfg.Sinks[name].Options; opts != nil {
		switch v := opts["batch_size"].(type) {
		case int:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return defaultSinkBatchSize
}

// flushSinks drains every sink queue at end-of-source.
func (o *Orchestrator) flushSinks(ctx context.Context) {
	o.mu.Lock()
	names := make([]string, 0, len(o.sinkQueues))
	for name := range o.sinkQueues {
		names = append(names, name)
	}
	o.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		o.flushSink(ctx, name)
	}
}

// flushSink writes one sink's queued rows as a batch, records the artifact,
// and attributes member outcomes. Under strict secure mode a sink failure
// aborts the run; otherwise the members fail individually.
func (o *Orchestrator) flushSink(ctx context.Context, name string) {
	o.mu.Lock()
	q := o.sinkQueues[name]
	var rows []map[string]any
	var members []sinkMember
	if q != nil {
		rows, members = q.rows, q.members
		q.rows, q.members = nil, nil
	}
	o.mu.Unlock()
	if len(rows) == 0 {
		return
	}
	sink := o.pipe.Sinks[name]
	sinkNodeID := o.pipe.Graph.Sinks()[name]

	op, err := o.rec.BeginOperation(ctx, o.runID, sinkNodeID, "sink_write", "", "")
	if err != nil {
		o.abort(err)
		return
	}
	opStart := o.clock()
	desc, werr := sink.Write(ctx, rows)
	durMS := float64(o.clock().Sub(opStart)) / float64(time.Millisecond)

	if werr != nil {
		if err := o.rec.CompleteOperation(ctx, op.OperationID, "ERROR", "", "", werr.Error(), durMS); err != nil {
			o.abort(err)
			return
		}
		if o.cfg.Orchestrator.Strict() {
			o.abort(fmt.Errorf("sink %s: %w", name, werr))
			return
		}
		hash := errorHash(werr.Error())
		for _, m := range members {
			if m.terminal {
				continue
			}
			if _, err := o.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
				RunID:     o.runID,
				TokenID:   m.token.TokenID,
				Outcome:   landscape.OutcomeFailed,
				ErrorHash: hash,
			}); err != nil {
				o.abort(err)
				return
			}
		}
		return
	}

	if err := o.rec.CompleteOperation(ctx, op.OperationID, "SUCCESS", "", desc.ContentHash, "", durMS); err != nil {
		o.abort(err)
		return
	}
	if _, err := o.rec.RecordArtifact(ctx, landscape.Artifact{
		RunID:             o.runID,
		ProducedByStateID: op.OperationID,
		SinkNodeID:        sinkNodeID,
		ArtifactType:      sink.Name(),
		PathOrURI:         desc.PathOrURI,
		ContentHash:       desc.ContentHash,
		SizeBytes:         desc.SizeBytes,
	}); err != nil {
		o.abort(err)
		return
	}
	for _, m := range members {
		if m.terminal {
			continue
		}
		if _, err := o.rec.RecordTokenOutcome(ctx, landscape.TokenOutcome{
			RunID:    o.runID,
			TokenID:  m.token.TokenID,
			Outcome:  m.outcome,
			SinkName: name,
		}); err != nil {
			o.abort(err)
			return
		}
	}
	if err := sink.Flush(); err != nil {
		o.log.Warn().Err(err).Str("sink", name).Msg("sink flush")
	}
}

// dataHash hashes a row payload, falling back to the repr hash for Tier-3
// values the canonical encoder rejects.
func (o *Orchestrator) dataHash(data map[string]any) string {
	h, err := canonical.Hash(data)
	if err != nil {
		return canonical.ReprHash(data)
	}
	return h
}

// emit forwards an event to the dispatcher. Emission only follows
// successful recorder writes; a total exporter failure aborts the run when
// configured to.
func (o *Orchestrator) emit(ev telemetry.Event) {
	if o.disp == nil {
		return
	}
	if err := o.disp.Emit(ev); err != nil {
		if errors.Is(err, telemetry.ErrAllExportersFailed) {
			o.abort(err)
			return
		}
		o.log.Warn().Err(err).Str("event", ev.Type).Msg("telemetry emit")
	}
}

func (o *Orchestrator) recordFailure(f RowFailure) {
	o.mu.Lock()
	o.failures = append(o.failures, f)
	o.mu.Unlock()
}

func (o *Orchestrator) abort(err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	if o.abortErr == nil {
		o.abortErr = err
	}
	o.mu.Unlock()
}

func (o *Orchestrator) aborted() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.abortErr
}

func anyRows(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// emptyAggState is the present-but-empty aggregation marker; distinct from
// nil (absent) on resume.
func emptyAggState() *string {
	s := "{}"
	return &s
}
