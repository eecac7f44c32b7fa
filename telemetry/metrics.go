package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricActions        = "geomind.actions"
	MetricActionDuration = "geomind.action.duration"
	MetricTiles          = "geomind.tiles"
	MetricHandoffs       = "geomind.handoffs"
)

// Instruments holds the engine's metric instruments. A zero Instruments is
// not usable; call NewInstruments.
type Instruments struct {
	actions  metric.Int64Counter
	duration metric.Float64Histogram
	tiles    metric.Int64Counter
	handoffs metric.Int64Counter
}

// NewInstruments creates instruments on the global meter provider. Creation
// errors fall back to no-op instruments from the same meter.
func NewInstruments() *Instruments {
	meter := otel.Meter(InstrumentationName)
	in := &Instruments{}

	in.actions, _ = meter.Int64Counter(MetricActions,
		metric.WithDescription("Actions executed, by geoprocess and status"))
	in.duration, _ = meter.Float64Histogram(MetricActionDuration,
		metric.WithDescription("Action wall time"), metric.WithUnit("s"))
	in.tiles, _ = meter.Int64Counter(MetricTiles,
		metric.WithDescription("Tiles downloaded, by status"))
	in.handoffs, _ = meter.Int64Counter(MetricHandoffs,
		metric.WithDescription("Artifact handoffs, by sink and status"))
	return in
}

// RecordAction counts one action outcome and its duration.
func (in *Instruments) RecordAction(ctx context.Context, geoprocess string, err error, d time.Duration) {
	if in == nil || in.actions == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("geoprocess", geoprocess),
		attribute.String("status", status(err)),
	)
	in.actions.Add(ctx, 1, attrs)
	in.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordTile counts one tile download.
func (in *Instruments) RecordTile(ctx context.Context, err error) {
	if in == nil || in.tiles == nil {
		return
	}
	in.tiles.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}

// RecordHandoff counts one sink write.
func (in *Instruments) RecordHandoff(ctx context.Context, sink string, err error) {
	if in == nil || in.handoffs == nil {
		return
	}
	in.handoffs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("status", status(err)),
	))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
