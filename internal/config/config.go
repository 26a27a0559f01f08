// Package config loads and validates pipeline configuration. Validation is
// two-phase: structural (JSON Schema over the decoded document) then
// semantic (gate routes, fork targets, telemetry modes). A Config that
// passed Load never causes a load-class error later in the run.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/expr"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
)

// PluginRef names a plugin and carries its options block verbatim.
type PluginRef struct {
	Plugin  string         `json:"plugin" yaml:"plugin"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// GateConfig is a condition-routing step. Routes map label to a sink name,
// "continue", or "fork"; fork requires ForkTo.
type GateConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Condition string            `json:"condition" yaml:"condition"`
	Routes    map[string]string `json:"routes" yaml:"routes"`
	ForkTo    []string          `json:"fork_to,omitempty" yaml:"fork_to,omitempty"`
}

// CoalesceConfig merges fork branches back into one token.
type CoalesceConfig struct {
	Name           string   `json:"name" yaml:"name"`
	Branches       []string `json:"branches" yaml:"branches"`
	Policy         string   `json:"policy" yaml:"policy"`
	Quorum         int      `json:"quorum,omitempty" yaml:"quorum,omitempty"`
	Merge          string     `json:"merge,omitempty" yaml:"merge,omitempty"`
	SelectBranch   string     `json:"select_branch,omitempty" yaml:"select_branch,omitempty"`
	Merger         *PluginRef `json:"merger,omitempty" yaml:"merger,omitempty"`
	TimeoutSeconds float64    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

type ConcurrencyConfig struct {
	MaxWorkers int `json:"max_workers,omitempty" yaml:"max_workers,omitempty"`
}

type RetryConfig struct {
	MaxAttempts             int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelaySeconds     float64 `json:"initial_delay_seconds,omitempty" yaml:"initial_delay_seconds,omitempty"`
	MaxDelaySeconds         float64 `json:"max_delay_seconds,omitempty" yaml:"max_delay_seconds,omitempty"`
	ExponentialBase         float64 `json:"exponential_base,omitempty" yaml:"exponential_base,omitempty"`
	Jitter                  bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	MaxCapacityRetrySeconds float64 `json:"max_capacity_retry_seconds,omitempty" yaml:"max_capacity_retry_seconds,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

type CheckpointConfig struct {
	Enabled               bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	EveryNRows            int  `json:"every_n_rows,omitempty" yaml:"every_n_rows,omitempty"`
	OnAggregationBoundary bool `json:"on_aggregation_boundary,omitempty" yaml:"on_aggregation_boundary,omitempty"`
}

type TelemetryConfig struct {
	Enabled                    bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Granularity                string      `json:"granularity,omitempty" yaml:"granularity,omitempty"`
	BackpressureMode           string      `json:"backpressure_mode,omitempty" yaml:"backpressure_mode,omitempty"`
	QueueSize                  int         `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	MaxConsecutiveFailures     int         `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	FailOnTotalExporterFailure bool        `json:"fail_on_total_exporter_failure,omitempty" yaml:"fail_on_total_exporter_failure,omitempty"`
	Exporters                  []PluginRef `json:"exporters,omitempty" yaml:"exporters,omitempty"`
}

// OrchestratorConfig is the runtime tuning block.
type OrchestratorConfig struct {
	Concurrency ConcurrencyConfig `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Retry       RetryConfig       `json:"retry,omitempty" yaml:"retry,omitempty"`
	RateLimit   RateLimitConfig   `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Checkpoint  CheckpointConfig  `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	SecureMode  string            `json:"secure_mode,omitempty" yaml:"secure_mode,omitempty"`
}

// Config is the full pipeline document.
type Config struct {
	Datasource   PluginRef            `json:"datasource" yaml:"datasource"`
	RowPlugins   []PluginRef          `json:"row_plugins,omitempty" yaml:"row_plugins,omitempty"`
	Aggregations []PluginRef          `json:"aggregations,omitempty" yaml:"aggregations,omitempty"`
	Gates        []GateConfig         `json:"gates,omitempty" yaml:"gates,omitempty"`
	Coalesce     []CoalesceConfig     `json:"coalesce,omitempty" yaml:"coalesce,omitempty"`
	Sinks        map[string]PluginRef `json:"sinks" yaml:"sinks"`
	OutputSink   string               `json:"output_sink" yaml:"output_sink"`
	Orchestrator OrchestratorConfig   `json:"orchestrator_config,omitempty" yaml:"orchestrator_config,omitempty"`

	// LandscapePath is where the audit database lives; defaults to
	// landscape.db next to the config file.
	LandscapePath string `json:"landscape_path,omitempty" yaml:"landscape_path,omitempty"`
	// PayloadDir is the content-addressed payload store root.
	PayloadDir string `json:"payload_dir,omitempty" yaml:"payload_dir,omitempty"`
}

// Error reports an invalid configuration with the offending path.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

func errf(path, format string, args ...any) error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Load reads, schema-validates, and semantically validates a YAML pipeline
// configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(raw)
}

// Parse validates and decodes a YAML document.
func Parse(raw []byte) (*Config, error) {
	// First decode into a generic document for schema validation. yaml.v3
	// rejects duplicate mapping keys, which is what keeps route labels and
	// sink names unique.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errf("", "invalid YAML: %v", err)
	}
	doc = jsonify(doc)
	if err := schema().Validate(doc); err != nil {
		return nil, errf("", "schema validation failed: %v", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errf("", "decode: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.Concurrency.MaxWorkers == 0 {
		c.Orchestrator.Concurrency.MaxWorkers = 4
	}
	r := &c.Orchestrator.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelaySeconds == 0 {
		r.InitialDelaySeconds = 1
	}
	if r.MaxDelaySeconds == 0 {
		r.MaxDelaySeconds = 30
	}
	if r.ExponentialBase == 0 {
		r.ExponentialBase = 2
	}
	if r.MaxCapacityRetrySeconds == 0 {
		r.MaxCapacityRetrySeconds = 120
	}
	t := &c.Orchestrator.Telemetry
	if t.Granularity == "" {
		t.Granularity = "lifecycle"
	}
	if t.BackpressureMode == "" {
		t.BackpressureMode = "block"
	}
	if t.QueueSize == 0 {
		t.QueueSize = 1024
	}
	if t.MaxConsecutiveFailures == 0 {
		t.MaxConsecutiveFailures = 5
	}
	for i := range c.Coalesce {
		if c.Coalesce[i].Merge == "" {
			c.Coalesce[i].Merge = "union"
		}
	}
}

func (c *Config) validate() error {
	if c.Datasource.Plugin == "" {
		return errf("datasource.plugin", "required")
	}
	if len(c.Sinks) == 0 {
		return errf("sinks", "at least one sink is required")
	}
	if _, ok := c.Sinks[c.OutputSink]; !ok {
		return errf("output_sink", "%q is not a configured sink (have %v)", c.OutputSink, sinkNames(c.Sinks))
	}

	coalesceNames := make(map[string]bool, len(c.Coalesce))
	branchClaims := make(map[string]string)
	for i, co := range c.Coalesce {
		path := fmt.Sprintf("coalesce[%d]", i)
		if co.Name == "" {
			return errf(path+".name", "required")
		}
		if coalesceNames[co.Name] {
			return errf(path+".name", "duplicate coalesce %q", co.Name)
		}
		coalesceNames[co.Name] = true
		if len(co.Branches) == 0 {
			return errf(path+".branches", "at least one branch is required")
		}
		for _, b := range co.Branches {
			if prev, claimed := branchClaims[b]; claimed {
				return errf(path+".branches", "branch %q already claimed by coalesce %q", b, prev)
			}
			branchClaims[b] = co.Name
		}
		switch co.Policy {
		case "require_all", "best_effort", "first":
		case "quorum":
			if co.Quorum < 1 || co.Quorum > len(co.Branches) {
				return errf(path+".quorum", "must be in [1, %d], got %d", len(co.Branches), co.Quorum)
			}
		default:
			return errf(path+".policy", "unknown policy %q (want require_all, quorum, best_effort, or first)", co.Policy)
		}
		switch co.Merge {
		case "union", "nested":
		case "select_branch":
			if !contains(co.Branches, co.SelectBranch) {
				return errf(path+".select_branch", "%q is not one of the declared branches", co.SelectBranch)
			}
		case "custom":
			if co.Merger == nil || co.Merger.Plugin == "" {
				return errf(path+".merger", "required when merge is %q", "custom")
			}
		default:
			return errf(path+".merge", "unknown merge strategy %q (want union, select_branch, nested, or custom)", co.Merge)
		}
		if co.TimeoutSeconds < 0 {
			return errf(path+".timeout_seconds", "must be non-negative")
		}
	}

	gateNames := make(map[string]bool, len(c.Gates))
	for i, g := range c.Gates {
		path := fmt.Sprintf("gates[%d]", i)
		if g.Name == "" {
			return errf(path+".name", "required")
		}
		if gateNames[g.Name] {
			return errf(path+".name", "duplicate gate %q", g.Name)
		}
		gateNames[g.Name] = true
		if err := c.validateGate(path, g); err != nil {
			return err
		}
	}

	if err := c.validateTelemetry(); err != nil {
		return err
	}
	switch c.Orchestrator.SecureMode {
	case "", "standard", "strict":
	default:
		return errf("orchestrator_config.secure_mode", "unknown mode %q (want standard or strict)", c.Orchestrator.SecureMode)
	}
	if c.Orchestrator.Concurrency.MaxWorkers < 1 {
		return errf("orchestrator_config.concurrency.max_workers", "must be at least 1")
	}
	if c.Orchestrator.Retry.MaxAttempts < 1 {
		return errf("orchestrator_config.retry.max_attempts", "must be at least 1")
	}
	if c.Orchestrator.RateLimit.RequestsPerSecond < 0 {
		return errf("orchestrator_config.rate_limit.requests_per_second", "must be non-negative")
	}
	return nil
}

// validateGate checks the condition parses and the route labels are legal
// for its shape: statically boolean conditions must use exactly
// {"true","false"}; otherwise labels are sink names, "continue", or "fork".
func (c *Config) validateGate(path string, g GateConfig) error {
	parsed, err := expr.Parse(g.Condition)
	if err != nil {
		// Keep the evaluator's error chain intact so callers can tell
		// security rejections from plain syntax errors.
		return fmt.Errorf("config: %s.condition: %w", path, err)
	}
	if len(g.Routes) == 0 {
		return errf(path+".routes", "at least one route is required")
	}

	if parsed.IsBoolean() {
		if len(g.Routes) != 2 || g.Routes["true"] == "" || g.Routes["false"] == "" {
			return errf(path+".routes", "boolean condition requires labels exactly {true, false}, got %v", routeLabels(g.Routes))
		}
	}

	forkUsed := false
	for label, target := range g.Routes {
		switch target {
		case "continue":
		case "fork":
			forkUsed = true
		default:
			if _, ok := c.Sinks[target]; !ok {
				return errf(path+".routes", "label %q targets %q which is neither a sink, continue, nor fork", label, target)
			}
		}
	}
	if forkUsed && len(g.ForkTo) == 0 {
		return errf(path+".fork_to", "required when a route targets fork")
	}
	if !forkUsed && len(g.ForkTo) > 0 {
		return errf(path+".fork_to", "set but no route targets fork")
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	t := c.Orchestrator.Telemetry
	if _, err := telemetry.ParseGranularity(t.Granularity); err != nil {
		return errf("orchestrator_config.telemetry.granularity", "%v", err)
	}
	mode, err := telemetry.ParseBackpressureMode(t.BackpressureMode)
	if err != nil {
		return errf("orchestrator_config.telemetry.backpressure_mode", "%v", err)
	}
	// Reserved enum values are rejected at load, not at first overflow.
	if !mode.Implemented() {
		return errf("orchestrator_config.telemetry.backpressure_mode", "mode %q is not implemented", t.BackpressureMode)
	}
	return nil
}

// TelemetrySettings maps the validated block onto the dispatcher config.
func (c *Config) TelemetrySettings() telemetry.Config {
	t := c.Orchestrator.Telemetry
	gran, _ := telemetry.ParseGranularity(t.Granularity)
	mode, _ := telemetry.ParseBackpressureMode(t.BackpressureMode)
	return telemetry.Config{
		Enabled:                    t.Enabled,
		Granularity:                gran,
		BackpressureMode:           mode,
		QueueSize:                  t.QueueSize,
		MaxConsecutiveFailures:     t.MaxConsecutiveFailures,
		FailOnTotalExporterFailure: t.FailOnTotalExporterFailure,
	}
}

// RetryDelays returns the retry policy as durations.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySeconds * float64(time.Second))
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

func (r RetryConfig) MaxCapacityRetry() time.Duration {
	return time.Duration(r.MaxCapacityRetrySeconds * float64(time.Second))
}

// Strict reports whether sink failures abort the run.
func (o OrchestratorConfig) Strict() bool { return o.SecureMode == "strict" }

// Settings is the canonical-serializable form stored on the run record.
func (c *Config) Settings() map[string]any {
	b, err := json.Marshal(c.Orchestrator)
	if err != nil {
		panic(fmt.Sprintf("config: orchestrator settings not serializable: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("config: orchestrator settings round-trip: %v", err))
	}
	return out
}

// Document returns the whole config as a canonical-serializable value for
// config_hash.
func (c *Config) Document() map[string]any {
	b, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: not serializable: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("config: round-trip: %v", err))
	}
	return out
}

// jsonify rewrites yaml.v3's map[string]any trees; nested mappings decode as
// map[string]any already, but sequence elements may not, and the schema
// validator wants pure JSON shapes.
func jsonify(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonify(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = jsonify(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = jsonify(el)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

func sinkNames(sinks map[string]PluginRef) []string {
	out := make([]string, 0, len(sinks))
	for name := range sinks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func routeLabels(routes map[string]string) string {
	out := make([]string, 0, len(routes))
	for label := range routes {
		out = append(out, label)
	}
	sort.Strings(out)
	return "{" + strings.Join(out, ", ") + "}"
}

func contains(list []string, s string) bool {
	for _, el := range list {
		if el == s {
			return true
		}
	}
	return false
}

var compiled *jsonschema.Schema

func schema() *jsonschema.Schema {
	if compiled == nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("pipeline.json", strings.NewReader(pipelineSchema)); err != nil {
			panic(fmt.Sprintf("config: schema resource: %v", err))
		}
		s, err := c.Compile("pipeline.json")
		if err != nil {
			panic(fmt.Sprintf("config: schema compile: %v", err))
		}
		compiled = s
	}
	return compiled
}
