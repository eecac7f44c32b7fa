package tiling

import (
	"fmt"

	"github.com/itsneelabh/geomind/core"
)

// GridError reports a tile grid that cannot be reassembled as declared.
type GridError struct {
	Reason string
}

func (e *GridError) Error() string {
	return "inconsistent tile grid: " + e.Reason
}

func (e *GridError) Unwrap() error { return core.ErrInconsistentTileGrid }

func gridError(format string, args ...interface{}) error {
	return &GridError{Reason: fmt.Sprintf(format, args...)}
}

// TooManyTilesError is returned before any download when the grid exceeds
// the configured cap.
type TooManyTilesError struct {
	Rows, Cols int
	Max        int
}

func (e *TooManyTilesError) Error() string {
	return fmt.Sprintf("too many tiles: %dx%d grid exceeds the limit of %d; increase resolution or shrink the bbox",
		e.Rows, e.Cols, e.Max)
}

func (e *TooManyTilesError) Unwrap() error { return core.ErrTooManyTiles }

// TileDownloadError reports the tile whose fetch or decode failed.
type TileDownloadError struct {
	Row   int
	Col   int
	Cause error
}

func (e *TileDownloadError) Error() string {
	return fmt.Sprintf("tile (%d,%d) download failed: %v", e.Row, e.Col, e.Cause)
}

func (e *TileDownloadError) Unwrap() []error {
	return []error{core.ErrTileDownload, e.Cause}
}
