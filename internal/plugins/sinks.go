package plugins

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"sync"
)

// countingHash tees sink output into a running content hash and byte count
// so artifact descriptors never require re-reading the file.
type countingHash struct {
	h hash.Hash
	n int64
}

func newCountingHash() *countingHash { return &countingHash{h: sha256.New()} }

func (c *countingHash) Write(p []byte) (int, error) {
	c.h.Write(p)
	c.n += int64(len(p))
	return len(p), nil
}

func (c *countingHash) describe(path string) *ArtifactDescriptor {
	return &ArtifactDescriptor{
		PathOrURI:   path,
		ContentHash: hex.EncodeToString(c.h.Sum(nil)),
		SizeBytes:   c.n,
	}
}

// CSVSink appends rows to one CSV file. The header is the sorted key set of
// the first row seen; later rows missing a column write an empty cell.
type CSVSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
	header []string
	sum    *countingHash
}

func NewCSVSink(opts map[string]any) (Sink, error) {
	path, err := stringOpt("csv", opts, "path")
	if err != nil {
		return nil, err
	}
	return &CSVSink{path: path, sum: newCountingHash()}, nil
}

func (s *CSVSink) Name() string    { return "csv" }
func (s *CSVSink) Version() string { return "1.0.0" }

func (s *CSVSink) Write(ctx context.Context, rows []map[string]any) (*ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(rows) == 0 {
		return s.sum.describe(s.path), nil
	}
	if s.file == nil {
		f, err := os.Create(s.path)
		if err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
		s.file = f
		s.writer = csv.NewWriter(io.MultiWriter(f, s.sum))
		s.header = sortedKeys(rows[0])
		if err := s.writer.Write(s.header); err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
	}
	for _, row := range rows {
		record := make([]string, len(s.header))
		for i, col := range s.header {
			if v, ok := row[col]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := s.writer.Write(record); err != nil {
			return nil, fmt.Errorf("csv sink: %w", err)
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return nil, fmt.Errorf("csv sink: %w", err)
	}
	return s.sum.describe(s.path), nil
}

func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
		return s.writer.Error()
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// JSONLSink appends one JSON object per row.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	out  io.Writer
	sum  *countingHash
}

func NewJSONLSink(opts map[string]any) (Sink, error) {
	path, err := stringOpt("jsonl", opts, "path")
	if err != nil {
		return nil, err
	}
	return &JSONLSink{path: path, sum: newCountingHash()}, nil
}

func (s *JSONLSink) Name() string    { return "jsonl" }
func (s *JSONLSink) Version() string { return "1.0.0" }

func (s *JSONLSink) Write(ctx context.Context, rows []map[string]any) (*ArtifactDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		f, err := os.Create(s.path)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		s.file = f
		s.out = io.MultiWriter(f, s.sum)
	}
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		b = append(b, '\n')
		if _, err := s.out.Write(b); err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
	}
	return s.sum.describe(s.path), nil
}

func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
