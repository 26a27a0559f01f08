package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tachyon-beep/elspeth/internal/checkpoint"
	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/engine"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/plugins"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
	"github.com/tachyon-beep/elspeth/internal/tokens"
)

// runtime is everything a command needs, assembled from one config file.
type runtime struct {
	cfg      *config.Config
	pipe     *engine.Pipeline
	db       *landscape.DB
	rec      *landscape.Recorder
	rd       *landscape.Reader
	toks     *tokens.Manager
	cp       *checkpoint.Manager
	disp     *telemetry.Dispatcher
	payloads *landscape.PayloadStore
	log      zerolog.Logger
}

func openRuntime(configPath string, log zerolog.Logger) (*runtime, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	pipe, err := engine.Assemble(cfg, plugins.Builtin())
	if err != nil {
		return nil, err
	}

	dbPath := cfg.LandscapePath
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(configPath), "landscape.db")
	}
	db, err := landscape.Open(dbPath)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:  cfg,
		pipe: pipe,
		db:   db,
		rec:  landscape.NewRecorder(db, log),
		rd:   landscape.NewReader(db),
		log:  log,
	}
	rt.toks = tokens.NewManager(rt.rec)

	if cp := cfg.Orchestrator.Checkpoint; cp.Enabled {
		rt.cp = checkpoint.NewManager(rt.rec, rt.rd, checkpoint.Interval{
			EveryNRows:            cp.EveryNRows,
			OnAggregationBoundary: cp.OnAggregationBoundary,
		}, log)
	}

	if cfg.Orchestrator.Telemetry.Enabled {
		exporters, err := buildExporters(cfg.Orchestrator.Telemetry.Exporters)
		if err != nil {
			db.Close()
			return nil, err
		}
		disp, err := telemetry.NewDispatcher(cfg.TelemetrySettings(), exporters,
			telemetry.NewMetrics(prometheus.DefaultRegisterer), log)
		if err != nil {
			db.Close()
			return nil, err
		}
		rt.disp = disp
	}

	if cfg.PayloadDir != "" {
		store, err := landscape.NewPayloadStore(cfg.PayloadDir)
		if err != nil {
			db.Close()
			return nil, err
		}
		rt.payloads = store
	}
	return rt, nil
}

func buildExporters(refs []config.PluginRef) ([]telemetry.Exporter, error) {
	if len(refs) == 0 {
		refs = []config.PluginRef{{Plugin: "console"}}
	}
	var out []telemetry.Exporter
	for _, ref := range refs {
		switch ref.Plugin {
		case "console":
			exp := telemetry.NewConsoleExporter(os.Stderr)
			if err := exp.Configure(ref.Options); err != nil {
				return nil, err
			}
			out = append(out, exp)
		default:
			return nil, fmt.Errorf("unknown telemetry exporter %q", ref.Plugin)
		}
	}
	return out, nil
}

func (rt *runtime) orchestrator() *engine.Orchestrator {
	return engine.New(rt.pipe, rt.rec, rt.rd, rt.toks, engine.Options{
		Dispatcher:  rt.disp,
		Checkpoints: rt.cp,
		Logger:      rt.log,
	})
}

func (rt *runtime) close() {
	if rt.disp != nil {
		if err := rt.disp.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("closing telemetry")
		}
	}
	if err := rt.db.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("closing landscape db")
	}
}
