// Package orchestration drives instructions to completion: the clarification
// loop that turns drafts into a ready instruction, and the orchestrator that
// executes its actions one after another.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/itsneelabh/geomind/artifact"
	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/instruction"
	"github.com/itsneelabh/geomind/telemetry"
	"github.com/itsneelabh/geomind/tiling"
)

// Materializer turns an execution result into a local artifact.
// *tiling.Engine implements it.
type Materializer interface {
	Materialize(ctx context.Context, result backend.ExecutionResult, outputID, stem string) (*tiling.Artifact, error)
}

// Orchestrator executes the actions of an instruction sequentially.
type Orchestrator struct {
	backend  backend.Executor
	engine   Materializer
	sink     artifact.Sink
	prefix   string
	tileSize int
	maxTiles int
	now      func() time.Time
	logger   core.Logger
	metrics  *telemetry.Instruments
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets where handoff records go. The default discards them.
func WithSink(s artifact.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithNamingPrefix sets the artifact name prefix.
func WithNamingPrefix(prefix string) Option {
	return func(o *Orchestrator) { o.prefix = prefix }
}

// WithTiling requests tiled output from the backend when an action does not
// set tile_size or max_tiles itself.
func WithTiling(tileSize, maxTiles int) Option {
	return func(o *Orchestrator) {
		o.tileSize = tileSize
		o.maxTiles = maxTiles
	}
}

// WithClock replaces time.Now for naming.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithInstruments records action and handoff metrics.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(o *Orchestrator) { o.metrics = in }
}

// NewOrchestrator creates an orchestrator for the single active backend.
func NewOrchestrator(exec backend.Executor, engine Materializer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: exec,
		engine:  engine,
		sink:    artifact.DiscardSink{},
		now:     time.Now,
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes every action in declared order and reports one outcome per
// action. A failed action does not stop the run and nothing is rolled back.
//
// The returned error is nil for partial success. It is the context error
// when the run is cancelled between actions (the report holds the outcomes
// so far), and wraps core.ErrBackendUnavailable when every action failed
// because the backend could not be reached.
func (o *Orchestrator) Run(ctx context.Context, in instruction.Instruction) (*RunReport, error) {
	report := &RunReport{RunID: uuid.NewString(), StartedAt: o.now()}
	if len(in.Actions) == 0 {
		return report, &instruction.CompletenessError{Message: "instruction has no actions"}
	}

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("backend", o.backend.Name()),
		attribute.Int("actions", len(in.Actions)),
	))
	defer span.End()

	logger := core.WithFields(o.logger, map[string]interface{}{"run_id": report.RunID})
	logger.Info("Starting run", map[string]interface{}{
		"operation": "orchestrator.run",
		"backend":   o.backend.Name(),
		"actions":   len(in.Actions),
	})

	for i := range in.Actions {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = o.now()
			logger.Warn("Run cancelled between actions", map[string]interface{}{
				"operation": "orchestrator.run",
				"completed": i,
				"remaining": len(in.Actions) - i,
			})
			span.SetStatus(codes.Error, "cancelled")
			return report, err
		}
		report.Outcomes = append(report.Outcomes, o.runAction(ctx, logger, &in, i))
	}
	report.FinishedAt = o.now()

	failed := report.Failed()
	span.SetAttributes(attribute.Int("failed", len(failed)))
	logger.Info("Run finished", map[string]interface{}{
		"operation": "orchestrator.run",
		"succeeded": len(report.Outcomes) - len(failed),
		"failed":    len(failed),
		"duration":  report.FinishedAt.Sub(report.StartedAt).String(),
	})

	if unreachable(failed, len(report.Outcomes)) {
		err := fmt.Errorf("%w: all %d actions failed to reach %s: %w",
			core.ErrBackendUnavailable, len(failed), o.backend.Name(), failed[0].Err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend unavailable")
		return report, err
	}
	return report, nil
}

// unreachable reports whether every action failed in transport or was
// refused by an open circuit breaker.
func unreachable(failed []Failed, total int) bool {
	if total == 0 || len(failed) != total {
		return false
	}
	for _, f := range failed {
		if f.Stage != StageExecute {
			return false
		}
		if !errors.Is(f.Err, core.ErrTransport) && !errors.Is(f.Err, core.ErrCircuitBreakerOpen) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) runAction(ctx context.Context, logger core.Logger, in *instruction.Instruction, i int) ActionOutcome {
	act := in.Actions[i]
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.action", trace.WithAttributes(
		attribute.Int("index", i),
		attribute.String("output_id", act.OutputID),
		attribute.String("geoprocess", act.GeoprocessName),
	))
	defer span.End()

	fail := func(stage Stage, err error, art *tiling.Artifact) ActionOutcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		o.metrics.RecordAction(ctx, act.GeoprocessName, err, time.Since(start))
		logger.Error("Action failed", map[string]interface{}{
			"operation":  "orchestrator.action",
			"output_id":  act.OutputID,
			"geoprocess": act.GeoprocessName,
			"stage":      string(stage),
			"error":      err.Error(),
		})
		return Failed{Output: act.OutputID, Geoprocess: act.GeoprocessName, Stage: stage, Err: err, Artifact: art}
	}

	params, err := in.NormalizeAction(i)
	if err != nil {
		return fail(StageResolve, err, nil)
	}
	params = params.WithTiling(o.tileSize, o.maxTiles)

	logger.Debug("Dispatching action", map[string]interface{}{
		"operation":  "orchestrator.action",
		"output_id":  act.OutputID,
		"geoprocess": act.GeoprocessName,
		"params":     params.Map(),
	})
	result, err := o.backend.Execute(ctx, act.GeoprocessName, params)
	if err != nil {
		return fail(StageExecute, err, nil)
	}

	createdAt := o.now()
	name := artifact.Name(o.prefix, act.OutputID, createdAt)
	art, err := o.engine.Materialize(ctx, result, act.OutputID, name)
	if err != nil {
		return fail(StageMaterialize, err, nil)
	}

	handoff := artifact.NewHandoff(name, art, createdAt)
	err = o.sink.Store(ctx, handoff)
	o.metrics.RecordHandoff(ctx, o.sink.Name(), err)
	if err != nil {
		if !errors.Is(err, core.ErrHandoff) {
			err = &artifact.HandoffError{Sink: o.sink.Name(), Artifact: name, Err: err}
		}
		return fail(StageHandoff, err, art)
	}

	elapsed := time.Since(start)
	o.metrics.RecordAction(ctx, act.GeoprocessName, nil, elapsed)
	logger.Info("Action succeeded", map[string]interface{}{
		"operation":  "orchestrator.action",
		"output_id":  act.OutputID,
		"geoprocess": act.GeoprocessName,
		"artifact":   name,
		"location":   art.Location,
		"tiles":      art.Tiles,
		"duration":   elapsed.String(),
	})
	return Succeeded{
		Output:     act.OutputID,
		Geoprocess: act.GeoprocessName,
		Artifact:   art,
		Handoff:    handoff,
		Duration:   elapsed,
	}
}
