// Package tiling materializes backend results as local artifacts. Tiled
// results are downloaded with bounded concurrency and mosaicked by grid
// position into one GeoTIFF.
package tiling

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/raster"
	"github.com/itsneelabh/geomind/telemetry"
)

// Artifact is one materialized action output.
type Artifact struct {
	OutputID string
	Location string
	Format   string
	CRS      string
	BBox     geo.BBox
	Width    int
	Height   int
	Bands    int
	Tiles    int
}

// Engine turns ExecutionResults into artifacts on disk.
type Engine struct {
	cfg     core.TilingConfig
	fetcher Fetcher
	logger  core.Logger
	metrics *telemetry.Instruments
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithInstruments records tile metrics.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(e *Engine) { e.metrics = in }
}

// NewEngine creates an engine. Workers below 1 are treated as 1.
func NewEngine(cfg core.TilingConfig, opts ...Option) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "geomind")
	}
	e := &Engine{cfg: cfg, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = NewHTTPFetcher(cfg.DownloadTimeout)
	}
	return e
}

// OutputDir is where artifacts are written.
func (e *Engine) OutputDir() string { return e.cfg.OutputDir }

// Materialize downloads and, when tiled, mosaics a result. stem names the
// file written under the output directory.
func (e *Engine) Materialize(ctx context.Context, result backend.ExecutionResult, outputID, stem string) (*Artifact, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "tiling.materialize",
		trace.WithAttributes(attribute.String("output_id", outputID)))
	defer span.End()

	var (
		art *Artifact
		err error
	)
	switch r := result.(type) {
	case backend.Tiled:
		art, err = e.materializeTiled(ctx, r, outputID, stem)
	case backend.SingleAsset:
		art, err = e.materializeSingle(ctx, r, outputID, stem)
	default:
		err = fmt.Errorf("unsupported execution result %T", result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("location", art.Location), attribute.Int("tiles", art.Tiles))
	return art, nil
}

func (e *Engine) materializeTiled(ctx context.Context, r backend.Tiled, outputID, stem string) (*Artifact, error) {
	meta := r.Tiling
	if meta.GridRows < 1 || meta.GridCols < 1 {
		return nil, gridError("grid %dx%d has no cells", meta.GridRows, meta.GridCols)
	}
	if n := meta.GridRows * meta.GridCols; e.cfg.MaxTiles > 0 && n > e.cfg.MaxTiles {
		return nil, &TooManyTilesError{Rows: meta.GridRows, Cols: meta.GridCols, Max: e.cfg.MaxTiles}
	}
	if err := ValidateGrid(meta, r.Tiles); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}
	scratch, err := os.MkdirTemp(e.cfg.OutputDir, ".tiles-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	start := time.Now()
	e.logger.Info("Downloading tile grid", map[string]interface{}{
		"operation": "tiling.materialize",
		"output_id": outputID,
		"rows":      meta.GridRows,
		"cols":      meta.GridCols,
		"workers":   e.cfg.Workers,
	})

	set := newTileSet(len(r.Tiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, td := range r.Tiles {
		td := td
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := e.fetchTile(gctx, td, scratch)
			e.metrics.RecordTile(gctx, err)
			if err != nil {
				return &TileDownloadError{Row: td.Row, Col: td.Col, Cause: err}
			}
			set.put(td, img)
			return nil
		})
	}
	err = g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger.Warn("Tile download cancelled", map[string]interface{}{
			"operation":  "tiling.materialize",
			"output_id":  outputID,
			"downloaded": set.Len(),
		})
		return nil, ctxErr
	}
	if err != nil {
		e.logger.Error("Tile download failed", map[string]interface{}{
			"operation": "tiling.materialize",
			"output_id": outputID,
			"error":     err,
		})
		return nil, err
	}

	img, err := mosaic(meta, set)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dest := filepath.Join(e.cfg.OutputDir, stem+".tif")
	if err := writeAtomic(dest, img); err != nil {
		return nil, err
	}

	e.logger.Info("Tile grid mosaicked", map[string]interface{}{
		"operation":   "tiling.materialize",
		"output_id":   outputID,
		"path":        dest,
		"width":       img.Width,
		"height":      img.Height,
		"bands":       img.Bands,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &Artifact{
		OutputID: outputID,
		Location: dest,
		Format:   "geotiff",
		CRS:      meta.CRS,
		BBox:     meta.OverallBBox,
		Width:    img.Width,
		Height:   img.Height,
		Bands:    img.Bands,
		Tiles:    len(r.Tiles),
	}, nil
}

func (e *Engine) fetchTile(ctx context.Context, td backend.TileDescriptor, dir string) (*raster.Raster, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "tiling.tile",
		trace.WithAttributes(attribute.Int("row", td.Row), attribute.Int("col", td.Col)))
	defer span.End()

	if e.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DownloadTimeout)
		defer cancel()
	}

	p := filepath.Join(dir, fmt.Sprintf("r%d_c%d.tif", td.Row, td.Col))
	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	err = e.fetcher.Fetch(ctx, td.URL, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	img, err := raster.ReadFile(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return img, nil
}

func (e *Engine) materializeSingle(ctx context.Context, a backend.SingleAsset, outputID, stem string) (*Artifact, error) {
	art := &Artifact{OutputID: outputID, Format: a.Format, Tiles: 1}

	if p, ok := LocalPath(a.Location); ok {
		if _, err := os.Stat(p); err != nil {
			return nil, err
		}
		art.Location = p
	} else {
		if err := os.MkdirAll(e.cfg.OutputDir, 0o755); err != nil {
			return nil, err
		}
		dest := filepath.Join(e.cfg.OutputDir, stem+extension(a))
		if err := e.download(ctx, a.Location, dest); err != nil {
			return nil, err
		}
		art.Location = dest
	}

	if a.Format == "geotiff" {
		if img, err := raster.ReadFile(art.Location); err == nil {
			art.CRS = raster.FormatEPSG(img.EPSG)
			art.BBox = geo.BBox(img.Bounds())
			art.Width, art.Height, art.Bands = img.Width, img.Height, img.Bands
		} else {
			e.logger.Warn("Could not read asset georeferencing", map[string]interface{}{
				"operation": "tiling.materialize",
				"output_id": outputID,
				"error":     err,
			})
		}
	}

	e.logger.Info("Single asset materialized", map[string]interface{}{
		"operation": "tiling.materialize",
		"output_id": outputID,
		"path":      art.Location,
		"format":    art.Format,
	})
	return art, nil
}

func (e *Engine) download(ctx context.Context, location, dest string) error {
	if e.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DownloadTimeout)
		defer cancel()
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	err = e.fetcher.Fetch(ctx, location, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &backend.TransportError{URL: redact(location), Err: err}
	}
	return os.Rename(tmp.Name(), dest)
}

func writeAtomic(dest string, img *raster.Raster) error {
	tmp := dest + ".partial"
	if err := raster.WriteFile(tmp, img, nil); err != nil {
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func extension(a backend.SingleAsset) string {
	switch a.Format {
	case "png":
		return ".png"
	case "jpeg":
		return ".jpg"
	case "geotiff":
		return ".tif"
	}
	loc := a.Location
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	if ext := path.Ext(loc); ext != "" {
		return ext
	}
	return ".bin"
}
