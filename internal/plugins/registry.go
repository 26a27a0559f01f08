package plugins

import "sort"

// Registry resolves plugin names from configuration into constructed
// instances. Builders receive the plugin's options block verbatim.
type Registry struct {
	sources    map[string]func(opts map[string]any) (Source, error)
	transforms map[string]func(opts map[string]any) (Transform, error)
	sinks      map[string]func(opts map[string]any) (Sink, error)
	mergers    map[string]func(opts map[string]any) (Merger, error)
}

func NewRegistry() *Registry {
	return &Registry{
		sources:    make(map[string]func(map[string]any) (Source, error)),
		transforms: make(map[string]func(map[string]any) (Transform, error)),
		sinks:      make(map[string]func(map[string]any) (Sink, error)),
		mergers:    make(map[string]func(map[string]any) (Merger, error)),
	}
}

// Builtin returns a registry with every built-in plugin registered.
func Builtin() *Registry {
	r := NewRegistry()
	r.RegisterSource("csv", NewCSVSource)
	r.RegisterSource("inline", NewInlineSource)
	r.RegisterTransform("passthrough", NewPassthrough)
	r.RegisterTransform("field_mapper", NewFieldMapper)
	r.RegisterTransform("split_list", NewSplitList)
	r.RegisterTransform("http_enrich", NewHTTPEnrich)
	r.RegisterSink("csv", NewCSVSink)
	r.RegisterSink("jsonl", NewJSONLSink)
	return r
}

func (r *Registry) RegisterSource(name string, build func(map[string]any) (Source, error)) {
	r.sources[name] = build
}

func (r *Registry) RegisterTransform(name string, build func(map[string]any) (Transform, error)) {
	r.transforms[name] = build
}

func (r *Registry) RegisterSink(name string, build func(map[string]any) (Sink, error)) {
	r.sinks[name] = build
}

func (r *Registry) RegisterMerger(name string, build func(map[string]any) (Merger, error)) {
	r.mergers[name] = build
}

func (r *Registry) BuildSource(name string, opts map[string]any) (Source, error) {
	build, ok := r.sources[name]
	if !ok {
		return nil, configErrf(name, "unknown source plugin (registered: %v)", keys(r.sources))
	}
	return build(opts)
}

func (r *Registry) BuildTransform(name string, opts map[string]any) (Transform, error) {
	build, ok := r.transforms[name]
	if !ok {
		return nil, configErrf(name, "unknown transform plugin (registered: %v)", keys(r.transforms))
	}
	return build(opts)
}

func (r *Registry) BuildSink(name string, opts map[string]any) (Sink, error) {
	build, ok := r.sinks[name]
	if !ok {
		return nil, configErrf(name, "unknown sink plugin (registered: %v)", keys(r.sinks))
	}
	return build(opts)
}

func (r *Registry) BuildMerger(name string, opts map[string]any) (Merger, error) {
	build, ok := r.mergers[name]
	if !ok {
		return nil, configErrf(name, "unknown merger plugin (registered: %v)", keys(r.mergers))
	}
	return build(opts)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
