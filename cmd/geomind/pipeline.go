package main

import (
	"context"
	"errors"

	"github.com/itsneelabh/geomind/artifact"
	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/orchestration"
	"github.com/itsneelabh/geomind/resilience"
	"github.com/itsneelabh/geomind/telemetry"
	"github.com/itsneelabh/geomind/tiling"
)

// pipeline is the wired engine for one process.
type pipeline struct {
	orchestrator *orchestration.Orchestrator
	closers      []func() error
}

func (p *pipeline) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// buildPipeline wires backend, resilience policy, tile engine and sinks
// from configuration.
func buildPipeline(ctx context.Context, cfg *core.Config, logger core.Logger) (*pipeline, error) {
	exec, err := backend.New(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	exec = resilience.Wrap(exec, cfg.Resilience, logger)

	metrics := telemetry.NewInstruments()
	engine := tiling.NewEngine(cfg.Tiling,
		tiling.WithLogger(logger),
		tiling.WithInstruments(metrics),
	)

	p := &pipeline{}
	var sinks artifact.MultiSink
	if cfg.Persistence.PostGIS.Enabled {
		pg, err := artifact.OpenPostGIS(ctx, cfg.Persistence.PostGIS, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, pg)
		p.closers = append(p.closers, pg.Close)
	}
	if cfg.Persistence.Redis.Enabled {
		rs, err := artifact.NewRedisSink(cfg.Persistence.Redis, logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		sinks = append(sinks, rs)
		p.closers = append(p.closers, rs.Close)
	}

	opts := []orchestration.Option{
		orchestration.WithNamingPrefix(cfg.Naming.Prefix),
		orchestration.WithTiling(cfg.Tiling.TileSize, cfg.Tiling.MaxTiles),
		orchestration.WithLogger(logger),
		orchestration.WithInstruments(metrics),
	}
	if len(sinks) > 0 {
		opts = append(opts, orchestration.WithSink(sinks))
	}
	p.orchestrator = orchestration.NewOrchestrator(exec, engine, opts...)

	logger.Info("Pipeline ready", map[string]interface{}{
		"operation":  "geomind.pipeline",
		"backend":    exec.Name(),
		"output_dir": engine.OutputDir(),
		"sinks":      len(sinks),
	})
	return p, nil
}
