package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/instruction"
)

// scriptedDrafter replies with one canned response per turn, repeating the last.
type scriptedDrafter struct {
	replies  []string
	requests []DraftRequest
}

func (d *scriptedDrafter) Draft(_ context.Context, req DraftRequest) (string, error) {
	d.requests = append(d.requests, req)
	i := len(d.requests) - 1
	if i >= len(d.replies) {
		i = len(d.replies) - 1
	}
	return d.replies[i], nil
}

type recordingRunner struct {
	mu  sync.Mutex
	got []instruction.Instruction
}

func (r *recordingRunner) Run(_ context.Context, in instruction.Instruction) (*RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, in)
	return &RunReport{RunID: "run-1"}, nil
}

const firstDraft = "Sure, here is the plan:\n```json\n" + `{
  "json": {
    "products": [{"id": "s2", "name": "COPERNICUS/S2_SR_HARMONIZED",
                  "date_range": {"start": "2024-01-10", "end": "2024-01-10"},
                  "projection": "default", "resolution": "default"}],
    "actions": [{"geoprocess_name": "rgb_single", "output_id": "rgb",
                 "input_json": {"product": "s2", "bands": "B4,B3,B2"}}],
    "other_params": {}
  },
  "complete": false,
  "questions": ["Which area should the image cover?"]
}` + "\n```"

const answerDraft = `{"json": {"actions": [{"output_id": "rgb", "input_json": {"bbox": [-64.3, -31.5, -64.0, -31.3]}}]},
  "complete": true, "questions": []}`

func testClarificationConfig() core.ClarificationConfig {
	return core.ClarificationConfig{MaxIterations: 4, MaxRepairs: 5, MaxRepairsPerError: 2}
}

// TestController_ClarifyThenExecute tests the full state sequence with a field-level revision
func TestController_ClarifyThenExecute(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft, answerDraft}}
	input := &ScriptedInput{Answers: []string{"Córdoba city"}}
	runner := &recordingRunner{}
	c := NewController(drafter, input, runner, testClarificationConfig(), nil)

	s, err := c.Run(context.Background(), "RGB image of Córdoba on 2024-01-10")
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateDrafting, StateValidating, StateNeedsInput,
		StateDrafting, StateValidating, StateReady, StateExecuting, StateDone,
	}, s.Transitions)
	assert.Equal(t, 1, s.Iterations)
	assert.Equal(t, 0, s.Repairs)
	require.NotNil(t, s.Report)

	require.Len(t, input.Asked, 1)
	assert.Contains(t, input.Asked[0], "Which area should the image cover?")

	require.Len(t, drafter.requests, 2)
	assert.Nil(t, drafter.requests[0].Baseline)
	require.NotNil(t, drafter.requests[1].Baseline)
	assert.Equal(t, "Córdoba city", drafter.requests[1].Input)

	require.Len(t, runner.got, 1)
	act := runner.got[0].Actions[0]
	assert.Equal(t, "rgb_single", act.GeoprocessName, "unmentioned fields survive the revision")
	assert.Equal(t, "B4,B3,B2", act.InputJSON["bands"])
	assert.Equal(t, "s2", act.InputJSON["product"])
	assert.NotNil(t, act.InputJSON["bbox"])
}

// TestController_StopsAtReady tests a controller without a runner
func TestController_StopsAtReady(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft, answerDraft}}
	c := NewController(drafter, &ScriptedInput{Answers: []string{"Córdoba"}}, nil, testClarificationConfig(), nil)

	s, err := c.Run(context.Background(), "RGB of Córdoba")
	require.NoError(t, err)
	assert.Equal(t, StateDone, s.Transitions[len(s.Transitions)-1])
	assert.Nil(t, s.Report)
	require.NotNil(t, s.Instruction)
	assert.Len(t, s.Instruction.Actions, 1)
}

// TestController_RepairLoop tests that repeated contract violations are bounded
func TestController_RepairLoop(t *testing.T) {
	duplicate := `{"json": {"products": [], "actions": [
	  {"geoprocess_name": "ndvi", "output_id": "x", "input_json": {}},
	  {"geoprocess_name": "ndwi", "output_id": "x", "input_json": {}}]},
	  "complete": false, "questions": ["?"]}`
	drafter := &scriptedDrafter{replies: []string{duplicate}}
	c := NewController(drafter, &ScriptedInput{}, nil, testClarificationConfig(), nil)

	s, err := c.Run(context.Background(), "two indices")
	assert.ErrorIs(t, err, core.ErrClarificationExhausted)
	assert.ErrorIs(t, err, core.ErrDuplicateID)
	assert.Equal(t, 3, s.Repairs)
	require.Len(t, drafter.requests, 3)
	assert.Empty(t, drafter.requests[0].Repair)
	assert.Contains(t, drafter.requests[1].Repair, "duplicate output id")
	assert.Nil(t, drafter.requests[2].Baseline, "violating drafts never become the baseline")
}

// TestController_RepairRecovers tests that a corrected draft continues the loop
func TestController_RepairRecovers(t *testing.T) {
	dangling := `{"json": {"products": [], "actions": [
	  {"geoprocess_name": "ndvi", "output_id": "ndvi", "input_json": {"product": "missing"}}]},
	  "complete": false, "questions": ["?"]}`
	drafter := &scriptedDrafter{replies: []string{dangling, firstDraft, answerDraft}}
	runner := &recordingRunner{}
	c := NewController(drafter, &ScriptedInput{Answers: []string{"here"}}, runner, testClarificationConfig(), nil)

	s, err := c.Run(context.Background(), "ndvi")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Repairs)
	assert.Contains(t, drafter.requests[1].Repair, `unknown product id "missing"`)
	assert.Len(t, runner.got, 1)
}

// TestController_MalformedEnvelopeIsFatal tests that a bad top-level shape ends the session
func TestController_MalformedEnvelopeIsFatal(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{`{"json": {}, "complete": true}`}}
	c := NewController(drafter, &ScriptedInput{}, nil, testClarificationConfig(), nil)

	s, err := c.Run(context.Background(), "anything")
	assert.ErrorIs(t, err, core.ErrMalformedEnvelope)
	assert.Equal(t, 0, s.Repairs)
	assert.Len(t, drafter.requests, 1)
}

// TestController_IterationCap tests the configured limit on question rounds
func TestController_IterationCap(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft}}
	input := &ScriptedInput{Answers: []string{"a", "b", "c", "d"}}
	cfg := testClarificationConfig()
	cfg.MaxIterations = 2
	c := NewController(drafter, input, nil, cfg, nil)

	s, err := c.Run(context.Background(), "rgb")
	assert.ErrorIs(t, err, core.ErrClarificationExhausted)
	assert.Equal(t, 3, s.Iterations)
	assert.Len(t, input.Asked, 2)
}

// TestController_Abort tests that the requester can end the session
func TestController_Abort(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft}}
	c := NewController(drafter, &ScriptedInput{}, nil, testClarificationConfig(), nil)

	_, err := c.Run(context.Background(), "rgb")
	assert.ErrorIs(t, err, core.ErrAborted)
}

// TestController_InputTimeout tests the configured wait for an answer
func TestController_InputTimeout(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft}}
	cfg := testClarificationConfig()
	cfg.InputTimeout = 20 * time.Millisecond
	c := NewController(drafter, WaitInput{Answers: make(chan string)}, nil, cfg, nil)

	s, err := c.Run(context.Background(), "rgb")
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.Equal(t, StateNeedsInput, s.Transitions[len(s.Transitions)-1])
}

// TestController_Cancelled tests that parent cancellation is not reported as a timeout
func TestController_Cancelled(t *testing.T) {
	drafter := &scriptedDrafter{replies: []string{firstDraft}}
	cfg := testClarificationConfig()
	cfg.InputTimeout = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	questions := make(chan []string)
	c := NewController(drafter, WaitInput{Questions: questions, Answers: make(chan string)}, nil, cfg, nil)

	go func() {
		<-questions
		cancel()
	}()
	_, err := c.Run(ctx, "rgb")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

// TestErrorKey tests grouping of violations for the per-error repair limit
func TestErrorKey(t *testing.T) {
	a := errorKey(`action 0 (ndvi) references unknown product id "s2"`)
	b := errorKey(`action 3 (ndvi) references unknown product id "landsat"`)
	assert.Equal(t, a, b)
	assert.Equal(t, `duplicate output id ""`, errorKey(`duplicate output id "x"`))
	assert.NotEqual(t, a, errorKey(`duplicate output id "x"`))
}

// TestStateString tests state names used in logs
func TestStateString(t *testing.T) {
	assert.Equal(t, "needs_input", StateNeedsInput.String())
	assert.Equal(t, "unknown", State(42).String())
}
