package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/tiling"
)

// Handoff is the record produced for storage collaborators.
type Handoff struct {
	Name       string    `json:"name"`
	Source     string    `json:"source_path_or_url"`
	Format     string    `json:"format,omitempty"`
	CRS        string    `json:"crs"`
	BBox       geo.BBox  `json:"bbox"`
	ProducedBy string    `json:"produced_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewHandoff describes a materialized artifact under its assigned name.
func NewHandoff(name string, a *tiling.Artifact, createdAt time.Time) Handoff {
	return Handoff{
		Name:       name,
		Source:     a.Location,
		Format:     a.Format,
		CRS:        a.CRS,
		BBox:       a.BBox,
		ProducedBy: a.OutputID,
		CreatedAt:  createdAt.UTC(),
	}
}

// Sink persists handoff records.
type Sink interface {
	Store(ctx context.Context, h Handoff) error
	Name() string
}

// HandoffError reports a sink that rejected a record.
type HandoffError struct {
	Sink     string
	Artifact string
	Err      error
}

func (e *HandoffError) Error() string {
	return fmt.Sprintf("handoff of %s to %s failed: %v", e.Artifact, e.Sink, e.Err)
}

func (e *HandoffError) Unwrap() []error {
	return []error{core.ErrHandoff, e.Err}
}

// MultiSink fans a record out to every sink and joins their failures.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Store(ctx context.Context, h Handoff) error {
	var errs []error
	for _, s := range m {
		if err := s.Store(ctx, h); err != nil {
			errs = append(errs, &HandoffError{Sink: s.Name(), Artifact: h.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// DiscardSink accepts and drops every record.
type DiscardSink struct{}

func (DiscardSink) Name() string { return "discard" }
func (DiscardSink) Store(context.Context, Handoff) error { return nil }
