package plugins

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tachyon-beep/elspeth/internal/landscape"
)

// CSVSource streams rows from one or more CSV files matched by a doublestar
// glob. Header row is required per file; rows with the wrong column count
// are quarantined, never fatal.
type CSVSource struct {
	pattern     string
	destination string
	coerce      bool
}

func NewCSVSource(opts map[string]any) (Source, error) {
	pattern, err := stringOpt("csv", opts, "path")
	if err != nil {
		return nil, err
	}
	dest, err := stringOptDefault(opts, "quarantine_destination", "discard")
	if err != nil {
		return nil, configErrf("csv", "%v", err)
	}
	coerce := true
	if v, ok := opts["coerce_numbers"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, configErrf("csv", "coerce_numbers must be a bool, got %T", v)
		}
		coerce = b
	}
	return &CSVSource{pattern: pattern, destination: dest, coerce: coerce}, nil
}

func (s *CSVSource) Name() string                       { return "csv" }
func (s *CSVSource) Version() string                    { return "1.0.0" }
func (s *CSVSource) Determinism() landscape.Determinism { return landscape.IORead }
func (s *CSVSource) OnStart(context.Context) error      { return nil }
func (s *CSVSource) OnComplete(context.Context) error   { return nil }
func (s *CSVSource) Close() error                       { return nil }

func (s *CSVSource) Load(ctx context.Context) (RowStream, error) {
	matches, err := doublestar.FilepathGlob(s.pattern)
	if err != nil {
		return nil, configErrf("csv", "bad glob %q: %v", s.pattern, err)
	}
	if len(matches) == 0 {
		return nil, configErrf("csv", "glob %q matched no files", s.pattern)
	}
	sort.Strings(matches)
	return &csvStream{src: s, files: matches}, nil
}

type csvStream struct {
	src    *CSVSource
	files  []string
	file   *os.File
	reader *csv.Reader
	header []string
}

func (st *csvStream) Next(ctx context.Context) (SourceRow, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return SourceRow{}, false, err
		}
		if st.reader == nil {
			if len(st.files) == 0 {
				return SourceRow{}, false, nil
			}
			if err := st.open(st.files[0]); err != nil {
				return SourceRow{}, false, err
			}
			st.files = st.files[1:]
		}
		record, err := st.reader.Read()
		if err == io.EOF {
			st.file.Close()
			st.reader = nil
			continue
		}
		if perr, ok := err.(*csv.ParseError); ok {
			// Malformed line: quarantine, keep streaming.
			return SourceRow{
				Quarantined: true,
				Row:         map[string]any{"raw_error": perr.Error()},
				Reason:      fmt.Sprintf("csv parse error: %v", perr),
				Destination: st.src.destination,
			}, true, nil
		}
		if err != nil {
			return SourceRow{}, false, fmt.Errorf("csv source: %w", err)
		}
		if len(record) != len(st.header) {
			return SourceRow{
				Quarantined: true,
				Row:         rawRow(record),
				Reason:      fmt.Sprintf("expected %d columns, got %d", len(st.header), len(record)),
				Destination: st.src.destination,
			}, true, nil
		}
		row := make(map[string]any, len(st.header))
		for i, name := range st.header {
			row[name] = st.src.coerceValue(record[i])
		}
		return SourceRow{Row: row}, true, nil
	}
}

func (st *csvStream) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("csv source: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // column-count mismatches quarantine instead of erroring
	header, err := r.Read()
	if err != nil {
		f.Close()
		return fmt.Errorf("csv source: read header of %s: %w", path, err)
	}
	st.file = f
	st.reader = r
	st.header = header
	return nil
}

func (st *csvStream) Close() error {
	if st.file != nil {
		return st.file.Close()
	}
	return nil
}

func (s *CSVSource) coerceValue(v string) any {
	if !s.coerce {
		return v
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func rawRow(record []string) map[string]any {
	cells := make([]any, len(record))
	for i, c := range record {
		cells[i] = c
	}
	return map[string]any{"raw": cells}
}

// InlineSource yields rows straight from configuration. It exists for tests
// and fixtures.
type InlineSource struct {
	rows []map[string]any
}

func NewInlineSource(opts map[string]any) (Source, error) {
	raw, ok := opts["rows"]
	if !ok {
		return nil, configErrf("inline", "missing required option %q", "rows")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, configErrf("inline", "rows must be a list, got %T", raw)
	}
	rows := make([]map[string]any, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, configErrf("inline", "rows[%d] must be a mapping, got %T", i, el)
		}
		rows = append(rows, m)
	}
	return &InlineSource{rows: rows}, nil
}

func (s *InlineSource) Name() string                       { return "inline" }
func (s *InlineSource) Version() string                    { return "1.0.0" }
func (s *InlineSource) Determinism() landscape.Determinism { return landscape.Deterministic }
func (s *InlineSource) OnStart(context.Context) error      { return nil }
func (s *InlineSource) OnComplete(context.Context) error   { return nil }
func (s *InlineSource) Close() error                       { return nil }

func (s *InlineSource) Load(ctx context.Context) (RowStream, error) {
	return &inlineStream{rows: s.rows}, nil
}

type inlineStream struct {
	rows []map[string]any
	i    int
}

func (st *inlineStream) Next(ctx context.Context) (SourceRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return SourceRow{}, false, err
	}
	if st.i >= len(st.rows) {
		return SourceRow{}, false, nil
	}
	row := st.rows[st.i]
	st.i++
	return SourceRow{Row: row}, true, nil
}

func (st *inlineStream) Close() error { return nil }
