package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/raster"
	"github.com/itsneelabh/geomind/tiling"
)

// CatalogTable records every handed-off artifact.
const CatalogTable = "geomind_artifacts"

// Execer is the subset of *sql.DB the PostGIS sink needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// RasterLoader renders the SQL that loads a raster file into a table.
type RasterLoader interface {
	LoadSQL(ctx context.Context, path, table, tileSize string, srid int) ([]byte, error)
}

// Raster2PGSQL runs the raster2pgsql tool. The output creates the table,
// tiles the raster, adds constraints and builds a GiST index inside one
// transaction. It carries no VACUUM, which cannot run in a transaction block.
type Raster2PGSQL struct {
	Binary string
}

func (r Raster2PGSQL) LoadSQL(ctx context.Context, path, table, tileSize string, srid int) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "raster2pgsql"
	}
	args := []string{"-I", "-C", "-t", tileSize}
	if srid > 0 {
		args = append(args, "-s", strconv.Itoa(srid))
	}
	args = append(args, path, table)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// PostGISSink loads artifacts into PostGIS and records them in the catalog.
type PostGISSink struct {
	db     Execer
	cfg    core.PostGISConfig
	loader RasterLoader
	logger core.Logger

	mu    sync.Mutex
	ready bool
}

// OpenPostGIS connects with lib/pq and verifies the connection.
func OpenPostGIS(ctx context.Context, cfg core.PostGISConfig, logger core.Logger) (*PostGISSink, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("invalid PostGIS settings: %v: %w", err, core.ErrInvalidConfiguration)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgis %s:%d/%s: %v: %w", cfg.Host, cfg.Port, cfg.Database, err, core.ErrConnectionFailed)
	}
	var loader RasterLoader
	if cfg.LoadRaster {
		loader = Raster2PGSQL{}
	}
	return NewPostGISSink(db, cfg, loader, logger), nil
}

// NewPostGISSink uses an existing connection. A nil loader only writes the
// catalog row.
func NewPostGISSink(db Execer, cfg core.PostGISConfig, loader RasterLoader, logger core.Logger) *PostGISSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.TileSize == "" {
		cfg.TileSize = "512x512"
	}
	return &PostGISSink{db: db, cfg: cfg, loader: loader, logger: logger}
}

func (s *PostGISSink) Name() string { return "postgis" }

// Close closes the connection when the sink owns one.
func (s *PostGISSink) Close() error {
	if c, ok := s.db.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *PostGISSink) qualified(name string) string {
	return pq.QuoteIdentifier(s.cfg.Schema) + "." + pq.QuoteIdentifier(name)
}

func (s *PostGISSink) bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(s.cfg.Schema),
		"CREATE EXTENSION IF NOT EXISTS postgis",
		"CREATE EXTENSION IF NOT EXISTS postgis_raster",
		`CREATE TABLE IF NOT EXISTS ` + s.qualified(CatalogTable) + ` (
	name         text PRIMARY KEY,
	source       text NOT NULL,
	format       text,
	crs          text,
	extent       geometry,
	raster_table text,
	produced_by  text NOT NULL,
	created_at   timestamptz NOT NULL
)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %q: %w", firstLine(stmt), err)
		}
	}
	s.ready = true
	return nil
}

// Store loads the raster when enabled and local, then upserts the catalog row.
func (s *PostGISSink) Store(ctx context.Context, h Handoff) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	srid, _ := raster.ParseEPSG(h.CRS)
	var rasterTable string
	if s.loader != nil && (h.Format == "" || h.Format == "geotiff") {
		if path, local := tiling.LocalPath(h.Source); local {
			table := s.cfg.Schema + "." + h.Name
			load, err := s.loader.LoadSQL(ctx, path, table, s.cfg.TileSize, srid)
			if err != nil {
				return err
			}
			if _, err := s.db.ExecContext(ctx, string(load)); err != nil {
				return fmt.Errorf("loading raster into %s: %w", table, err)
			}
			rasterTable = table
			s.analyze(ctx, table, h.Name)
			s.logger.Info("Raster loaded into PostGIS", map[string]interface{}{
				"operation": "artifact.postgis.store",
				"table":     table,
				"tile_size": s.cfg.TileSize,
				"srid":      srid,
			})
		}
	}

	var extent [4]interface{}
	if h.BBox.Valid() {
		extent = [4]interface{}{h.BBox[0], h.BBox[1], h.BBox[2], h.BBox[3]}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO `+s.qualified(CatalogTable)+`
	(name, source, format, crs, extent, raster_table, produced_by, created_at)
VALUES ($1, $2, $3, $4,
	CASE WHEN $5::float8 IS NULL THEN NULL ELSE ST_MakeEnvelope($5, $6, $7, $8, $9) END,
	NULLIF($10, ''), $11, $12)
ON CONFLICT (name) DO UPDATE SET
	source = EXCLUDED.source,
	format = EXCLUDED.format,
	crs = EXCLUDED.crs,
	extent = EXCLUDED.extent,
	raster_table = EXCLUDED.raster_table,
	produced_by = EXCLUDED.produced_by,
	created_at = EXCLUDED.created_at`,
		h.Name, h.Source, h.Format, h.CRS,
		extent[0], extent[1], extent[2], extent[3], srid,
		rasterTable, h.ProducedBy, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("catalog insert: %w", err)
	}
	return nil
}

// analyze refreshes planner statistics for a freshly loaded raster table.
// The loader leaves identifiers unquoted, so they are folded to lower case
// here to name the same table. A failure leaves the raster usable.
func (s *PostGISSink) analyze(ctx context.Context, table, name string) {
	stmt := "VACUUM ANALYZE " + pq.QuoteIdentifier(strings.ToLower(s.cfg.Schema)) + "." +
		pq.QuoteIdentifier(strings.ToLower(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		s.logger.Warn("VACUUM ANALYZE failed", map[string]interface{}{
			"operation": "artifact.postgis.store",
			"table":     table,
			"error":     err.Error(),
		})
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
