// Package engine drives pipeline execution: it assembles plugins and the
// execution graph from validated configuration, streams rows from the
// source, walks each token through the topology, applies gate routing and
// fork/coalesce semantics, and records everything through the audit
// recorder.
package engine

import (
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/graph"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/plugins"
)

// Pipeline is an assembled, ready-to-run pipeline: plugin instances bound
// to the nodes of a validated graph.
type Pipeline struct {
	Config     *config.Config
	Graph      *graph.Graph
	Source     plugins.Source
	Transforms map[string]plugins.Transform // node ID → instance
	Sinks      map[string]plugins.Sink      // sink name → instance
	Mergers    map[string]plugins.Merger    // coalesce name → custom merger
	Coalesces  map[string]config.CoalesceConfig
}

// Assemble builds every configured plugin, derives the execution graph, and
// binds instances to node identities. All load-class failures surface here;
// a returned Pipeline starts no run on its own.
func Assemble(cfg *config.Config, reg *plugins.Registry) (*Pipeline, error) {
	src, err := reg.BuildSource(cfg.Datasource.Plugin, cfg.Datasource.Options)
	if err != nil {
		return nil, err
	}

	def := graph.Definition{
		Source: graph.NodeDef{
			PluginName:    cfg.Datasource.Plugin,
			PluginVersion: src.Version(),
			Determinism:   src.Determinism(),
			Config:        cfg.Datasource.Options,
		},
		Sinks:      make(map[string]graph.NodeDef, len(cfg.Sinks)),
		OutputSink: cfg.OutputSink,
	}

	transforms := make([]plugins.Transform, 0, len(cfg.RowPlugins)+len(cfg.Aggregations))
	for _, ref := range cfg.RowPlugins {
		tr, err := reg.BuildTransform(ref.Plugin, ref.Options)
		if err != nil {
			return nil, err
		}
		if tr.BatchAware() {
			return nil, fmt.Errorf("engine: row plugin %q is batch-aware; declare it under aggregations", ref.Plugin)
		}
		transforms = append(transforms, tr)
		def.Transforms = append(def.Transforms, graph.NodeDef{
			PluginName:    ref.Plugin,
			PluginVersion: tr.Version(),
			Determinism:   tr.Determinism(),
			Config:        ref.Options,
			CreatesTokens: tr.CreatesTokens(),
		})
	}
	for _, ref := range cfg.Aggregations {
		tr, err := reg.BuildTransform(ref.Plugin, ref.Options)
		if err != nil {
			return nil, err
		}
		if !tr.BatchAware() {
			return nil, fmt.Errorf("engine: aggregation %q is not batch-aware", ref.Plugin)
		}
		transforms = append(transforms, tr)
		def.Aggregations = append(def.Aggregations, graph.NodeDef{
			PluginName:    ref.Plugin,
			PluginVersion: tr.Version(),
			Determinism:   tr.Determinism(),
			Config:        ref.Options,
			BatchAware:    true,
		})
	}

	for _, g := range cfg.Gates {
		def.Gates = append(def.Gates, graph.GateDef{
			Name:      g.Name,
			Condition: g.Condition,
			Routes:    g.Routes,
			ForkTo:    g.ForkTo,
			Config:    gateConfig(g),
		})
	}

	coalesces := make(map[string]config.CoalesceConfig, len(cfg.Coalesce))
	mergers := make(map[string]plugins.Merger)
	for _, co := range cfg.Coalesce {
		coalesces[co.Name] = co
		if co.Merge == "custom" {
			m, err := reg.BuildMerger(co.Merger.Plugin, co.Merger.Options)
			if err != nil {
				return nil, err
			}
			mergers[co.Name] = m
		}
		def.Coalesces = append(def.Coalesces, graph.CoalesceDef{
			Name:     co.Name,
			Branches: co.Branches,
			Policy:   co.Policy,
			Merge:    co.Merge,
			Config:   coalesceNodeConfig(co),
		})
	}

	sinks := make(map[string]plugins.Sink, len(cfg.Sinks))
	for name, ref := range cfg.Sinks {
		sk, err := reg.BuildSink(ref.Plugin, ref.Options)
		if err != nil {
			return nil, err
		}
		sinks[name] = sk
		def.Sinks[name] = graph.NodeDef{
			PluginName:    ref.Plugin,
			PluginVersion: sk.Version(),
			Config:        ref.Options,
		}
	}

	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	// Bind transform instances to their node identities. Graph order for
	// the main chain matches declaration order.
	byNode := make(map[string]plugins.Transform, len(transforms))
	i := 0
	for _, id := range g.TopologicalOrder() {
		info := g.NodeInfo(id)
		if info.Kind == landscape.NodeTransform || info.Kind == landscape.NodeAggregation {
			byNode[id] = transforms[i]
			i++
		}
	}

	return &Pipeline{
		Config:     cfg,
		Graph:      g,
		Source:     src,
		Transforms: byNode,
		Sinks:      sinks,
		Mergers:    mergers,
		Coalesces:  coalesces,
	}, nil
}

// gateConfig is the canonical config payload used for a gate's node
// identity; it must be stable across resume.
func gateConfig(g config.GateConfig) map[string]any {
	routes := make(map[string]any, len(g.Routes))
	for label, target := range g.Routes {
		routes[label] = target
	}
	out := map[string]any{"condition": g.Condition, "routes": routes}
	if len(g.ForkTo) > 0 {
		forkTo := make([]any, len(g.ForkTo))
		for i, b := range g.ForkTo {
			forkTo[i] = b
		}
		out["fork_to"] = forkTo
	}
	return out
}

func coalesceNodeConfig(co config.CoalesceConfig) map[string]any {
	branches := make([]any, len(co.Branches))
	for i, b := range co.Branches {
		branches[i] = b
	}
	out := map[string]any{
		"branches": branches,
		"policy":   co.Policy,
		"merge":    co.Merge,
	}
	if co.Policy == "quorum" {
		out["quorum"] = co.Quorum
	}
	if co.Merge == "select_branch" {
		out["select_branch"] = co.SelectBranch
	}
	if co.Merge == "custom" && co.Merger != nil {
		out["merger"] = co.Merger.Plugin
	}
	if co.TimeoutSeconds > 0 {
		out["timeout_seconds"] = co.TimeoutSeconds
	}
	return out
}
