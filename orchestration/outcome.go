package orchestration

import (
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/geomind/artifact"
	"github.com/itsneelabh/geomind/tiling"
)

// Stage names the step of an action that failed.
type Stage string

const (
	StageResolve     Stage = "resolve"
	StageExecute     Stage = "execute"
	StageMaterialize Stage = "materialize"
	StageHandoff     Stage = "handoff"
)

// ActionOutcome is either Succeeded or Failed.
type ActionOutcome interface {
	OutputID() string
	isActionOutcome()
}

// Succeeded records an action whose artifact was materialized and handed off.
type Succeeded struct {
	Output     string
	Geoprocess string
	Artifact   *tiling.Artifact
	Handoff    artifact.Handoff
	Duration   time.Duration
}

// Failed records an action that did not produce a handed-off artifact.
// Artifact is set when only the handoff failed.
type Failed struct {
	Output     string
	Geoprocess string
	Stage      Stage
	Err        error
	Artifact   *tiling.Artifact
}

func (s Succeeded) OutputID() string { return s.Output }
func (f Failed) OutputID() string    { return f.Output }

func (Succeeded) isActionOutcome() {}
func (Failed) isActionOutcome()    {}

// Cause is the human-readable failure reason.
func (f Failed) Cause() string {
	return fmt.Sprintf("%s failed: %v", f.Stage, f.Err)
}

// RunReport lists one outcome per action in declared order.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []ActionOutcome
}

// Succeeded returns the output ids that produced artifacts.
func (r *RunReport) Succeeded() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if _, ok := o.(Succeeded); ok {
			ids = append(ids, o.OutputID())
		}
	}
	return ids
}

// Failed returns the failed outcomes.
func (r *RunReport) Failed() []Failed {
	var out []Failed
	for _, o := range r.Outcomes {
		if f, ok := o.(Failed); ok {
			out = append(out, f)
		}
	}
	return out
}

// Artifacts returns the artifacts of successful actions in declared order.
func (r *RunReport) Artifacts() []*tiling.Artifact {
	var out []*tiling.Artifact
	for _, o := range r.Outcomes {
		if s, ok := o.(Succeeded); ok {
			out = append(out, s.Artifact)
		}
	}
	return out
}

// Summary renders a short multi-line report for the requester.
func (r *RunReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d succeeded, %d failed\n", r.RunID, len(r.Succeeded()), len(r.Failed()))
	for _, o := range r.Outcomes {
		switch o := o.(type) {
		case Succeeded:
			fmt.Fprintf(&b, "  ok     %s -> %s (%s)\n", o.Output, o.Handoff.Name, o.Artifact.Location)
		case Failed:
			fmt.Fprintf(&b, "  failed %s: %s\n", o.Output, o.Cause())
		}
	}
	return b.String()
}
