package plugins

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// Passthrough copies its input unchanged. Useful as a pipeline placeholder
// and in tests.
type Passthrough struct{}

func NewPassthrough(opts map[string]any) (Transform, error) {
	return Passthrough{}, nil
}

func (Passthrough) Name() string                       { return "passthrough" }
func (Passthrough) Version() string                    { return "1.0.0" }
func (Passthrough) Determinism() landscape.Determinism { return landscape.Deterministic }
func (Passthrough) BatchAware() bool                   { return false }
func (Passthrough) CreatesTokens() bool                { return false }

func (Passthrough) Process(ctx context.Context, row map[string]any) TransformResult {
	return Success(row)
}

// FieldMapper renames fields per a configured mapping. Source fields absent
// from the row are a row-level error, not a crash: external data is suspect.
type FieldMapper struct {
	mapping    map[string]string
	dropExtras bool
}

func NewFieldMapper(opts map[string]any) (Transform, error) {
	raw, ok := opts["mapping"]
	if !ok {
		return nil, configErrf("field_mapper", "missing required option %q", "mapping")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, configErrf("field_mapper", "mapping must be a mapping of old name to new name, got %T", raw)
	}
	mapping := make(map[string]string, len(m))
	for from, to := range m {
		s, ok := to.(string)
		if !ok {
			return nil, configErrf("field_mapper", "mapping[%q] must be a string, got %T", from, to)
		}
		mapping[from] = s
	}
	drop := false
	if v, ok := opts["drop_unmapped"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, configErrf("field_mapper", "drop_unmapped must be a bool, got %T", v)
		}
		drop = b
	}
	return &FieldMapper{mapping: mapping, dropExtras: drop}, nil
}

func (m *FieldMapper) Name() string                       { return "field_mapper" }
func (m *FieldMapper) Version() string                    { return "1.0.0" }
func (m *FieldMapper) Determinism() landscape.Determinism { return landscape.Deterministic }
func (m *FieldMapper) BatchAware() bool                   { return false }
func (m *FieldMapper) CreatesTokens() bool                { return false }

func (m *FieldMapper) Process(ctx context.Context, row map[string]any) TransformResult {
	out := make(map[string]any, len(row))
	for from, to := range m.mapping {
		v, ok := row[from]
		if !ok {
			return Failure(fmt.Sprintf("field_mapper: source field %q not present", from), false)
		}
		out[to] = v
	}
	if !m.dropExtras {
		for k, v := range row {
			if _, mapped := m.mapping[k]; !mapped {
				out[k] = v
			}
		}
	}
	return Success(out)
}

// SplitList deaggregates one row into N: each element of the configured list
// field becomes its own row, with the remaining fields copied alongside.
// Outputs become child tokens via expansion.
type SplitList struct {
	field string
	into  string
}

func NewSplitList(opts map[string]any) (Transform, error) {
	field, err := stringOpt("split_list", opts, "field")
	if err != nil {
		return nil, err
	}
	into, err := stringOptDefault(opts, "into", field)
	if err != nil {
		return nil, configErrf("split_list", "%v", err)
	}
	return &SplitList{field: field, into: into}, nil
}

func (s *SplitList) Name() string                       { return "split_list" }
func (s *SplitList) Version() string                    { return "1.0.0" }
func (s *SplitList) Determinism() landscape.Determinism { return landscape.Deterministic }
func (s *SplitList) BatchAware() bool                   { return false }
func (s *SplitList) CreatesTokens() bool                { return true }

func (s *SplitList) Process(ctx context.Context, row map[string]any) TransformResult {
	raw, ok := row[s.field]
	if !ok {
		return Failure(fmt.Sprintf("split_list: field %q not present", s.field), false)
	}
	elements, ok := asList(raw)
	if !ok {
		return Failure(fmt.Sprintf("split_list: field %q is %T, want a list", s.field, raw), false)
	}
	if len(elements) == 0 {
		return Failure(fmt.Sprintf("split_list: field %q is empty", s.field), false)
	}
	out := make([]map[string]any, 0, len(elements))
	for _, el := range elements {
		child := make(map[string]any, len(row))
		for k, v := range row {
			if k != s.field {
				child[k] = v
			}
		}
		child[s.into] = el
		out = append(out, child)
	}
	return SuccessMany(out)
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}
