package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

func linearDef() Definition {
	return Definition{
		Source: NodeDef{PluginName: "csv_source", Determinism: landscape.IORead, Config: map[string]any{"path": "in.csv"}},
		Transforms: []NodeDef{
			{PluginName: "uppercase", Determinism: landscape.Deterministic, Config: map[string]any{"field": "name"}},
		},
		Sinks: map[string]NodeDef{
			"out": {PluginName: "csv_sink", Determinism: landscape.IOWrite, Config: map[string]any{"path": "out.csv"}},
		},
		OutputSink: "out",
	}
}

func TestBuild_LinearPipeline(t *testing.T) {
	g, err := Build(linearDef())
	require.NoError(t, err)

	order := g.TopologicalOrder()
	require.Len(t, order, 3)
	assert.Equal(t, landscape.NodeSource, g.NodeInfo(order[0]).Kind)
	assert.Equal(t, landscape.NodeTransform, g.NodeInfo(order[1]).Kind)
	assert.Equal(t, landscape.NodeSink, g.NodeInfo(order[2]).Kind)

	// source → transform → out, all continue/MOVE
	edges := g.Edges()
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, RouteContinue, e.Label)
		assert.Equal(t, landscape.ModeMove, e.Mode)
	}
	assert.Equal(t, "out", g.OutputSink())
}

func TestBuild_GateRoutes(t *testing.T) {
	def := linearDef()
	def.Sinks["big"] = NodeDef{PluginName: "csv_sink", Determinism: landscape.IOWrite, Config: map[string]any{"path": "big.csv"}}
	def.Gates = []GateDef{{
		Name:      "amount_gate",
		Condition: "row['amount'] >= 200",
		Routes:    map[string]string{"true": "big", "false": "continue"},
	}}

	g, err := Build(def)
	require.NoError(t, err)

	gate := g.NodeByName("amount_gate")
	require.NotNil(t, gate)
	assert.Equal(t, landscape.NodeGate, gate.Kind)

	trueEdge, ok := g.OutgoingByLabel(gate.ID, "true")
	require.True(t, ok)
	assert.Equal(t, g.Sinks()["big"], trueEdge.To)

	falseEdge, ok := g.OutgoingByLabel(gate.ID, "false")
	require.True(t, ok)
	assert.Equal(t, g.Sinks()["out"], falseEdge.To)

	routes := g.RouteResolutionMap()
	assert.Equal(t, "big", routes[RouteKey{GateID: gate.ID, Label: "true"}])
	assert.Equal(t, RouteContinue, routes[RouteKey{GateID: gate.ID, Label: "false"}])
}

func TestBuild_ForkIntoCoalesce(t *testing.T) {
	def := linearDef()
	def.Transforms = nil
	def.Gates = []GateDef{{
		Name:   "splitter",
		Routes: map[string]string{"all": "fork"},
		ForkTo: []string{"a", "b"},
	}}
	def.Coalesces = []CoalesceDef{{
		Name: "m", Branches: []string{"a", "b"}, Policy: "require_all", Merge: "union",
	}}

	g, err := Build(def)
	require.NoError(t, err)

	gate := g.NodeByName("splitter")
	coal := g.NodeByName("m")
	require.NotNil(t, gate)
	require.NotNil(t, coal)

	for _, branch := range []string{"a", "b"} {
		e, ok := g.OutgoingByLabel(gate.ID, branch)
		require.True(t, ok, branch)
		assert.Equal(t, coal.ID, e.To)
		assert.Equal(t, landscape.ModeCopy, e.Mode)
	}
	// Coalesce feeds the output sink.
	e, ok := g.OutgoingByLabel(coal.ID, RouteContinue)
	require.True(t, ok)
	assert.Equal(t, g.Sinks()["out"], e.To)
}

func TestBuild_ForkBranchWithoutCoalesceGoesToOutput(t *testing.T) {
	def := linearDef()
	def.Gates = []GateDef{{
		Name:   "splitter",
		Routes: map[string]string{"all": "fork"},
		ForkTo: []string{"solo"},
	}}
	g, err := Build(def)
	require.NoError(t, err)
	gate := g.NodeByName("splitter")
	e, ok := g.OutgoingByLabel(gate.ID, "solo")
	require.True(t, ok)
	assert.Equal(t, g.Sinks()["out"], e.To)
}

func TestBuild_Rejections(t *testing.T) {
	t.Run("no source", func(t *testing.T) {
		def := linearDef()
		def.Source = NodeDef{}
		_, err := Build(def)
		require.Error(t, err)
	})
	t.Run("no sinks", func(t *testing.T) {
		def := linearDef()
		def.Sinks = nil
		_, err := Build(def)
		require.Error(t, err)
	})
	t.Run("unknown output sink", func(t *testing.T) {
		def := linearDef()
		def.OutputSink = "nowhere"
		_, err := Build(def)
		require.Error(t, err)
	})
	t.Run("unknown route target", func(t *testing.T) {
		def := linearDef()
		def.Gates = []GateDef{{Name: "g", Routes: map[string]string{"x": "missing_sink"}}}
		_, err := Build(def)
		require.Error(t, err)
	})
	t.Run("fork without fork_to", func(t *testing.T) {
		def := linearDef()
		def.Gates = []GateDef{{Name: "g", Routes: map[string]string{"x": "fork"}}}
		_, err := Build(def)
		require.Error(t, err)
	})
	t.Run("branch claimed twice", func(t *testing.T) {
		def := linearDef()
		def.Gates = []GateDef{{Name: "g", Routes: map[string]string{"x": "fork"}, ForkTo: []string{"a"}}}
		def.Coalesces = []CoalesceDef{
			{Name: "m1", Branches: []string{"a"}, Policy: "require_all", Merge: "union"},
			{Name: "m2", Branches: []string{"a"}, Policy: "require_all", Merge: "union"},
		}
		_, err := Build(def)
		require.Error(t, err)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestTopologyHash_SensitiveToStructure(t *testing.T) {
	g1, err := Build(linearDef())
	require.NoError(t, err)
	g2, err := Build(linearDef())
	require.NoError(t, err)
	assert.Equal(t, g1.TopologyHash(), g2.TopologyHash())

	changed := linearDef()
	changed.Transforms = append(changed.Transforms, NodeDef{
		PluginName: "lowercase", Determinism: landscape.Deterministic, Config: map[string]any{"field": "name"},
	})
	g3, err := Build(changed)
	require.NoError(t, err)
	assert.NotEqual(t, g1.TopologyHash(), g3.TopologyHash())
}

func TestFindCycle_ReportsPath(t *testing.T) {
	g, err := Build(linearDef())
	require.NoError(t, err)
	// Force a back edge to exercise the detector.
	src := g.Source().ID
	last := g.TopologicalOrder()[2]
	g.edges = append(g.edges, Edge{From: last, To: src, Label: "back", Mode: landscape.ModeMove})
	g.outgoing[last] = append(g.outgoing[last], Edge{From: last, To: src, Label: "back", Mode: landscape.ModeMove})
	err = g.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
