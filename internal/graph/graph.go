// Package graph builds and validates the execution topology: a directed
// acyclic multigraph of typed nodes whose edges carry routing labels. The
// builder derives the graph from a validated pipeline definition; the
// orchestrator only ever walks a graph that passed validation.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tachyon-beep/elspeth/internal/canonical"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// RouteContinue and RouteFork are the two non-sink route targets a gate may
// declare.
const (
	RouteContinue = "continue"
	RouteFork     = "fork"
)

// NodeDef describes one plugin-backed node before it becomes part of a
// graph.
type NodeDef struct {
	PluginName    string
	PluginVersion string
	Determinism   landscape.Determinism
	Config        map[string]any
	// CreatesTokens marks 1→N deaggregating transforms.
	CreatesTokens bool
	BatchAware    bool
}

// GateDef is a condition-routing node. Routes map label → target where
// target is a sink name, "continue", or "fork".
type GateDef struct {
	Name      string
	Condition string
	Routes    map[string]string
	ForkTo    []string
	Config    map[string]any
}

// CoalesceDef merges fork branches back into one token.
type CoalesceDef struct {
	Name     string
	Branches []string
	Policy   string
	Merge    string
	Config   map[string]any
}

// Definition is the complete pipeline shape handed to Build.
type Definition struct {
	Source       NodeDef
	Transforms   []NodeDef
	Aggregations []NodeDef
	Gates        []GateDef
	Coalesces    []CoalesceDef
	Sinks        map[string]NodeDef
	OutputSink   string
}

// Node is a validated graph node.
type Node struct {
	ID       string
	Name     string
	Kind     landscape.NodeType
	Def      NodeDef
	Gate     *GateDef
	Coalesce *CoalesceDef
	Sequence int
}

// Edge is a labelled directed edge. Outgoing labels are unique per node.
type Edge struct {
	From  string
	To    string
	Label string
	Mode  landscape.EdgeMode
}

// Graph is the validated execution topology.
type Graph struct {
	nodes      map[string]*Node
	order      []string
	edges      []Edge
	outgoing   map[string][]Edge
	sourceID   string
	sinkByName map[string]string
	outputSink string
}

// ValidationError reports a structurally invalid pipeline definition.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "graph: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// nodeID derives the deterministic node identity used across graph,
// recorder, and checkpoints.
func nodeID(pluginName string, sequence int, config map[string]any) string {
	h := canonical.MustHash(config)
	return fmt.Sprintf("%s_%d_%s", pluginName, sequence, h[:8])
}

// Build assembles and validates the graph: source, transforms and
// aggregations chained by continue edges, gates with their routes, fork
// branches into coalesces or the output sink, and a final continue edge to
// the output sink.
func Build(def Definition) (*Graph, error) {
	if def.Source.PluginName == "" {
		return nil, invalid("pipeline has no source")
	}
	if len(def.Sinks) == 0 {
		return nil, invalid("pipeline has no sinks")
	}
	if _, ok := def.Sinks[def.OutputSink]; !ok {
		return nil, invalid("output sink %q is not a declared sink", def.OutputSink)
	}

	g := &Graph{
		nodes:      make(map[string]*Node),
		outgoing:   make(map[string][]Edge),
		sinkByName: make(map[string]string),
		outputSink: def.OutputSink,
	}
	seq := 0
	add := func(n *Node) *Node {
		n.Sequence = seq
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
		seq++
		return n
	}

	src := add(&Node{
		ID:   nodeID(def.Source.PluginName, 0, def.Source.Config),
		Name: def.Source.PluginName,
		Kind: landscape.NodeSource,
		Def:  def.Source,
	})
	g.sourceID = src.ID

	// The main chain: source → transforms → aggregations → gates.
	prev := src
	link := func(to *Node, label string, mode landscape.EdgeMode) error {
		return g.addEdge(Edge{From: prev.ID, To: to.ID, Label: label, Mode: mode})
	}
	for _, t := range def.Transforms {
		kind := landscape.NodeTransform
		n := add(&Node{ID: nodeID(t.PluginName, seq, t.Config), Name: t.PluginName, Kind: kind, Def: t})
		if err := link(n, RouteContinue, landscape.ModeMove); err != nil {
			return nil, err
		}
		prev = n
	}
	for _, a := range def.Aggregations {
		n := add(&Node{ID: nodeID(a.PluginName, seq, a.Config), Name: a.PluginName, Kind: landscape.NodeAggregation, Def: a})
		if err := link(n, RouteContinue, landscape.ModeMove); err != nil {
			return nil, err
		}
		prev = n
	}

	gates := make([]*Node, 0, len(def.Gates))
	for i := range def.Gates {
		gd := &def.Gates[i]
		cfg := gd.Config
		if cfg == nil {
			cfg = map[string]any{"condition": gd.Condition}
		}
		n := add(&Node{ID: nodeID(gd.Name, seq, cfg), Name: gd.Name, Kind: landscape.NodeGate, Gate: gd})
		if err := link(n, RouteContinue, landscape.ModeMove); err != nil {
			return nil, err
		}
		prev = n
		gates = append(gates, n)
	}

	coalesceByBranch := make(map[string]*Node)
	coalesceNodes := make([]*Node, 0, len(def.Coalesces))
	for i := range def.Coalesces {
		cd := &def.Coalesces[i]
		cfg := cd.Config
		if cfg == nil {
			cfg = map[string]any{"branches": toAny(cd.Branches), "policy": cd.Policy, "merge": cd.Merge}
		}
		n := add(&Node{ID: nodeID(cd.Name, seq, cfg), Name: cd.Name, Kind: landscape.NodeCoalesce, Coalesce: cd})
		for _, branch := range cd.Branches {
			if prior, dup := coalesceByBranch[branch]; dup {
				return nil, invalid("branch %q claimed by both %s and %s", branch, prior.Name, cd.Name)
			}
			coalesceByBranch[branch] = n
		}
		coalesceNodes = append(coalesceNodes, n)
	}

	sinkNames := make([]string, 0, len(def.Sinks))
	for name := range def.Sinks {
		sinkNames = append(sinkNames, name)
	}
	sort.Strings(sinkNames)
	for _, name := range sinkNames {
		sd := def.Sinks[name]
		n := add(&Node{ID: nodeID(name, seq, sd.Config), Name: name, Kind: landscape.NodeSink, Def: sd})
		g.sinkByName[name] = n.ID
	}
	outputSinkID := g.sinkByName[def.OutputSink]

	// Gate routes become labelled edges.
	for gi, gn := range gates {
		gd := gn.Gate
		// The "continue" target of a gate is the next gate, or the tail of
		// the routing section.
		var continueTo string
		if gi+1 < len(gates) {
			continueTo = gates[gi+1].ID
		} else {
			continueTo = outputSinkID
		}
		labels := make([]string, 0, len(gd.Routes))
		for label := range gd.Routes {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			target := gd.Routes[label]
			switch {
			case target == RouteContinue:
				if label == RouteContinue && gi+1 < len(gates) {
					// already linked by the chain edge
					continue
				}
				if err := g.addEdge(Edge{From: gn.ID, To: continueTo, Label: label, Mode: landscape.ModeMove}); err != nil {
					return nil, err
				}
			case target == RouteFork:
				if len(gd.ForkTo) == 0 {
					return nil, invalid("gate %q routes to fork without fork_to branches", gd.Name)
				}
				for _, branch := range gd.ForkTo {
					to := outputSinkID
					if cn, ok := coalesceByBranch[branch]; ok {
						to = cn.ID
					}
					if err := g.addEdge(Edge{From: gn.ID, To: to, Label: branch, Mode: landscape.ModeCopy}); err != nil {
						return nil, err
					}
				}
			default:
				sinkID, ok := g.sinkByName[target]
				if !ok {
					return nil, invalid("gate %q route %q targets unknown sink %q", gd.Name, label, target)
				}
				if err := g.addEdge(Edge{From: gn.ID, To: sinkID, Label: label, Mode: landscape.ModeMove}); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, cn := range coalesceNodes {
		if err := g.addEdge(Edge{From: cn.ID, To: outputSinkID, Label: RouteContinue, Mode: landscape.ModeMove}); err != nil {
			return nil, err
		}
	}

	// Close the main chain onto the output sink when no gate section did.
	if len(gates) == 0 && prev.ID != outputSinkID {
		if !g.hasOutgoingLabel(prev.ID, RouteContinue) {
			if err := g.addEdge(Edge{From: prev.ID, To: outputSinkID, Label: RouteContinue, Mode: landscape.ModeMove}); err != nil {
				return nil, err
			}
		}
	}

	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func (g *Graph) addEdge(e Edge) error {
	if g.hasOutgoingLabel(e.From, e.Label) {
		return invalid("node %s has duplicate outgoing label %q", e.From, e.Label)
	}
	g.edges = append(g.edges, e)
	g.outgoing[e.From] = append(g.outgoing[e.From], e)
	return nil
}

func (g *Graph) hasOutgoingLabel(from, label string) bool {
	for _, e := range g.outgoing[from] {
		if e.Label == label {
			return true
		}
	}
	return false
}

func (g *Graph) validate() error {
	sources, sinks := 0, 0
	for _, id := range g.order {
		switch g.nodes[id].Kind {
		case landscape.NodeSource:
			sources++
		case landscape.NodeSink:
			sinks++
		}
	}
	if sources != 1 {
		return invalid("expected exactly one source, found %d", sources)
	}
	if sinks < 1 {
		return invalid("expected at least one sink")
	}
	if cycle := g.findCycle(); cycle != nil {
		return invalid("cycle detected: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// findCycle returns the node path of a cycle, or nil. Iterative DFS with
// three colors; the path is reconstructed from the recursion stack.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range g.outgoing[id] {
			switch color[e.To] {
			case white:
				if visit(e.To) {
					return true
				}
			case grey:
				start := 0
				for i, s := range stack {
					if s == e.To {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), e.To)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range g.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns node ids in execution order.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Source returns the single source node.
func (g *Graph) Source() *Node { return g.nodes[g.sourceID] }

// Sinks returns sink name → node id.
func (g *Graph) Sinks() map[string]string {
	out := make(map[string]string, len(g.sinkByName))
	for k, v := range g.sinkByName {
		out[k] = v
	}
	return out
}

// OutputSink returns the name of the terminal sink.
func (g *Graph) OutputSink() string { return g.outputSink }

// NodeInfo returns the node or nil.
func (g *Graph) NodeInfo(id string) *Node { return g.nodes[id] }

// NodeByName returns the first node with the given name.
func (g *Graph) NodeByName(name string) *Node {
	for _, id := range g.order {
		if g.nodes[id].Name == name {
			return g.nodes[id]
		}
	}
	return nil
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Outgoing returns the outgoing edges of a node.
func (g *Graph) Outgoing(id string) []Edge {
	out := make([]Edge, len(g.outgoing[id]))
	copy(out, g.outgoing[id])
	return out
}

// OutgoingByLabel resolves one labelled edge of a node.
func (g *Graph) OutgoingByLabel(id, label string) (Edge, bool) {
	for _, e := range g.outgoing[id] {
		if e.Label == label {
			return e, true
		}
	}
	return Edge{}, false
}

// RouteKey identifies one gate route.
type RouteKey struct {
	GateID string
	Label  string
}

// RouteResolutionMap returns (gate, label) → "continue" | sink name | "fork"
// for every gate route in the graph.
func (g *Graph) RouteResolutionMap() map[RouteKey]string {
	out := make(map[RouteKey]string)
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind != landscape.NodeGate {
			continue
		}
		for label, target := range n.Gate.Routes {
			out[RouteKey{GateID: id, Label: label}] = target
		}
	}
	return out
}

// TopologyHash is the canonical hash of the complete graph structure. It
// binds checkpoints to the topology they were taken under.
func (g *Graph) TopologyHash() string {
	nodes := make([]any, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		nodes = append(nodes, map[string]any{
			"id":       n.ID,
			"kind":     string(n.Kind),
			"sequence": n.Sequence,
		})
	}
	edges := make([]any, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, map[string]any{
			"from":  e.From,
			"to":    e.To,
			"label": e.Label,
			"mode":  string(e.Mode),
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i].(map[string]any), edges[j].(map[string]any)
		if a["from"] != b["from"] {
			return a["from"].(string) < b["from"].(string)
		}
		return a["label"].(string) < b["label"].(string)
	})
	return canonical.MustHash(map[string]any{"nodes": nodes, "edges": edges})
}
