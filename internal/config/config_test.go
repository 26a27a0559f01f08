package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/expr"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
)

const minimalDoc = `
datasource:
  plugin: inline
  options:
    rows:
      - {id: 1}
sinks:
  out:
    plugin: jsonl
    options: {path: out.jsonl}
output_sink: out
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	assert.Equal(t, "inline", cfg.Datasource.Plugin)
	assert.Equal(t, "out", cfg.OutputSink)

	// Defaults.
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency.MaxWorkers)
	assert.Equal(t, 3, cfg.Orchestrator.Retry.MaxAttempts)
	assert.Equal(t, telemetry.Block, cfg.TelemetrySettings().BackpressureMode)
	assert.False(t, cfg.Orchestrator.Strict())
}

func TestParse_FullPipeline(t *testing.T) {
	doc := `
datasource:
  plugin: csv
  options: {path: "in/*.csv"}
row_plugins:
  - plugin: field_mapper
    options:
      mapping: {old: new}
gates:
  - name: size_gate
    condition: "row['amount'] >= 200"
    routes: {"true": big, "false": continue}
  - name: splitter
    condition: "row['kind']"
    routes: {special: fork, normal: continue}
    fork_to: [a, b]
coalesce:
  - name: merge_ab
    branches: [a, b]
    policy: require_all
    merge: union
sinks:
  out: {plugin: jsonl, options: {path: out.jsonl}}
  big: {plugin: csv, options: {path: big.csv}}
output_sink: out
orchestrator_config:
  concurrency: {max_workers: 8}
  checkpoint: {enabled: true, every_n_rows: 10}
  secure_mode: strict
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Len(t, cfg.Gates, 2)
	assert.Equal(t, []string{"a", "b"}, cfg.Gates[1].ForkTo)
	assert.Equal(t, "union", cfg.Coalesce[0].Merge)
	assert.True(t, cfg.Orchestrator.Strict())
	assert.Equal(t, 8, cfg.Orchestrator.Concurrency.MaxWorkers)
}

func TestParse_Rejections(t *testing.T) {
	base := func(extra string) string { return minimalDoc + extra }
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown output sink",
			doc: `
datasource: {plugin: inline, options: {rows: []}}
sinks:
  out: {plugin: jsonl, options: {path: o}}
output_sink: nope
`,
			want: "output_sink",
		},
		{
			name: "boolean condition with wrong labels",
			doc: base(`gates:
  - name: g
    condition: "row['x'] > 1"
    routes: {yes: continue, no: continue}
`),
			want: "true, false",
		},
		{
			name: "fork without fork_to",
			doc: base(`gates:
  - name: g
    condition: "row['kind']"
    routes: {a: fork, b: continue}
`),
			want: "fork_to",
		},
		{
			name: "route to unknown sink",
			doc: base(`gates:
  - name: g
    condition: "row['kind']"
    routes: {a: missing_sink}
`),
			want: "neither a sink",
		},
		{
			name: "quorum out of range",
			doc: base(`coalesce:
  - name: m
    branches: [a, b]
    policy: quorum
    quorum: 3
`),
			want: "quorum",
		},
		{
			name: "select_branch not declared",
			doc: base(`coalesce:
  - name: m
    branches: [a, b]
    policy: require_all
    merge: select_branch
    select_branch: c
`),
			want: "select_branch",
		},
		{
			name: "custom merge without merger",
			doc: base(`coalesce:
  - name: m
    branches: [a, b]
    policy: require_all
    merge: custom
`),
			want: "merger",
		},
		{
			name: "branch claimed twice",
			doc: base(`coalesce:
  - name: m1
    branches: [a]
    policy: first
  - name: m2
    branches: [a]
    policy: first
`),
			want: "already claimed",
		},
		{
			name: "unimplemented backpressure mode",
			doc: base(`orchestrator_config:
  telemetry: {backpressure_mode: drop_newest}
`),
			want: "not implemented",
		},
		{
			name: "unknown top-level key",
			doc:  base("surprise: 1\n"),
			want: "schema",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParse_ExpressionSecurityRejectedAtLoad(t *testing.T) {
	doc := minimalDoc + `gates:
  - name: evil
    condition: "__import__('os').system('rm -rf /')"
    routes: {"true": continue, "false": continue}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	var sec *expr.SecurityError
	assert.ErrorAs(t, err, &sec)
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)
	settings := cfg.Settings()
	assert.Contains(t, settings, "concurrency")
	doc := cfg.Document()
	assert.Contains(t, doc, "datasource")
}
