package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// ConsoleExporter writes events as JSON lines. It is the default exporter
// and the reference implementation of the Exporter contract.
type ConsoleExporter struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	return &ConsoleExporter{w: w}
}

func (c *ConsoleExporter) Name() string { return "console" }

func (c *ConsoleExporter) Configure(opts map[string]any) error {
	if v, ok := opts["pretty"]; ok {
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("console exporter: pretty must be a bool, got %T", v)
		}
		c.pretty = b
	}
	return nil
}

func (c *ConsoleExporter) Export(ev Event) error {
	line := map[string]any{
		"type":      ev.Type,
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
		"run_id":    ev.RunID,
	}
	for k, v := range ev.Fields {
		line[k] = v
	}
	var (
		b   []byte
		err error
	)
	if c.pretty {
		b, err = json.MarshalIndent(line, "", "  ")
	} else {
		b, err = json.Marshal(line)
	}
	if err != nil {
		return fmt.Errorf("console exporter: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = fmt.Fprintln(c.w, string(b))
	return err
}

func (c *ConsoleExporter) Flush() error { return nil }
func (c *ConsoleExporter) Close() error { return nil }
