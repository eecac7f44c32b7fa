package orchestration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/instruction"
)

// State is a clarification loop state.
type State int

const (
	StateDrafting State = iota
	StateValidating
	StateNeedsInput
	StateReady
	StateExecuting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateDrafting:
		return "drafting"
	case StateValidating:
		return "validating"
	case StateNeedsInput:
		return "needs_input"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// DraftRequest is what the drafting collaborator is asked to revise.
type DraftRequest struct {
	// Baseline is the merged instruction so far; nil on the first turn.
	Baseline *instruction.Instruction
	// Input is the requester's latest message.
	Input string
	// Questions are the questions the requester was asked before Input.
	Questions []string
	// Repair describes a contract violation in the previous draft.
	Repair string
}

// Drafter produces an envelope, usually from a language model. The reply
// may carry prose around the JSON; only fields it mentions are applied.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// DrafterFunc adapts a function to Drafter.
type DrafterFunc func(ctx context.Context, req DraftRequest) (string, error)

func (f DrafterFunc) Draft(ctx context.Context, req DraftRequest) (string, error) { return f(ctx, req) }

// InputSource asks the requester the open questions and waits for an
// answer. Returning io.EOF or core.ErrAborted ends the session.
type InputSource interface {
	Ask(ctx context.Context, questions []string) (string, error)
}

// Runner executes a ready instruction. *Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, in instruction.Instruction) (*RunReport, error)
}

// Session is the record of one clarification loop.
type Session struct {
	ID          string
	Instruction *instruction.Instruction
	Report      *RunReport
	Iterations  int
	Repairs     int
	Transitions []State
}

// Controller runs the loop Drafting -> Validating -> NeedsInput | Ready ->
// Executing -> Done, returning from NeedsInput to Drafting once the
// requester answers. It never holds a backend call open while waiting.
type Controller struct {
	drafter Drafter
	input   InputSource
	runner  Runner
	cfg     core.ClarificationConfig
	logger  core.Logger
}

// NewController creates a controller. runner may be nil to stop at Ready.
func NewController(drafter Drafter, input InputSource, runner Runner, cfg core.ClarificationConfig, logger core.Logger) *Controller {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Controller{drafter: drafter, input: input, runner: runner, cfg: cfg, logger: logger}
}

// Run drives a session from the requester's first message.
func (c *Controller) Run(ctx context.Context, request string) (*Session, error) {
	s := &Session{ID: uuid.NewString()}
	logger := core.WithFields(c.logger, map[string]interface{}{"session_id": s.ID})

	var (
		baseline  *instruction.Instruction
		env       *instruction.Envelope
		input     = request
		questions []string
		repair    string
		perKey    = map[string]int{}
		state     = StateDrafting
	)

	enter := func(next State) {
		s.Transitions = append(s.Transitions, next)
		logger.Debug("Clarification state", map[string]interface{}{
			"operation": "clarification.transition",
			"from":      state.String(),
			"to":        next.String(),
		})
		state = next
	}
	s.Transitions = append(s.Transitions, StateDrafting)

	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}

		switch state {
		case StateDrafting:
			draft, err := c.draft(ctx, DraftRequest{Baseline: baseline, Input: input, Questions: questions, Repair: repair})
			if err != nil {
				if fatal(err) || ctx.Err() != nil {
					return s, err
				}
				if err := c.countRepair(s, perKey, err); err != nil {
					return s, err
				}
				repair = err.Error()
				continue
			}
			if baseline != nil {
				draft.Instruction = instruction.Merge(*baseline, draft.Instruction)
			}
			env = draft
			enter(StateValidating)

		case StateValidating:
			outcome, err := instruction.Validate(env)
			if err != nil {
				if fatal(err) {
					return s, err
				}
				logger.Warn("Draft violates the instruction contract", map[string]interface{}{
					"operation": "clarification.validate",
					"error":     err.Error(),
				})
				if err := c.countRepair(s, perKey, err); err != nil {
					return s, err
				}
				repair = err.Error()
				enter(StateDrafting)
				continue
			}
			// Only drafts that honour the contract become the next baseline.
			accepted := env.Instruction.Clone()
			baseline = &accepted
			s.Instruction = baseline
			repair = ""

			switch o := outcome.(type) {
			case instruction.Ready:
				ready := o.Instruction
				s.Instruction = &ready
				enter(StateReady)
			case instruction.NeedsClarification:
				questions = o.Questions
				enter(StateNeedsInput)
			}

		case StateNeedsInput:
			s.Iterations++
			if c.cfg.MaxIterations > 0 && s.Iterations > c.cfg.MaxIterations {
				return s, fmt.Errorf("%w: still incomplete after %d rounds of questions", core.ErrClarificationExhausted, c.cfg.MaxIterations)
			}
			answer, err := c.ask(ctx, questions)
			if err != nil {
				return s, err
			}
			logger.Info("Requester answered", map[string]interface{}{
				"operation": "clarification.input",
				"iteration": s.Iterations,
				"questions": len(questions),
			})
			input = answer
			enter(StateDrafting)

		case StateReady:
			if c.runner == nil {
				enter(StateDone)
				return s, nil
			}
			enter(StateExecuting)

		case StateExecuting:
			report, err := c.runner.Run(ctx, *s.Instruction)
			s.Report = report
			enter(StateDone)
			return s, err

		default:
			return s, nil
		}
	}
}

func (c *Controller) draft(ctx context.Context, req DraftRequest) (*instruction.Envelope, error) {
	text, err := c.drafter.Draft(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("drafter: %w", err)
	}
	return instruction.ExtractEnvelope(text)
}

func (c *Controller) ask(ctx context.Context, questions []string) (string, error) {
	if c.input == nil {
		return "", fmt.Errorf("%w: no input source for %d open questions", core.ErrAborted, len(questions))
	}
	askCtx := ctx
	if c.cfg.InputTimeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, c.cfg.InputTimeout)
		defer cancel()
	}
	answer, err := c.input.Ask(askCtx, questions)
	switch {
	case err == nil:
		return answer, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, io.EOF) || errors.Is(err, core.ErrAborted):
		return "", fmt.Errorf("%w: requester ended the session", core.ErrAborted)
	case errors.Is(err, context.DeadlineExceeded) && c.cfg.InputTimeout > 0:
		return "", fmt.Errorf("%w: no answer within %s", core.ErrTimeout, c.cfg.InputTimeout)
	default:
		return "", err
	}
}

// countRepair enforces the total and per-error repair limits.
func (c *Controller) countRepair(s *Session, perKey map[string]int, cause error) error {
	s.Repairs++
	key := errorKey(cause.Error())
	perKey[key]++
	if c.cfg.MaxRepairs > 0 && s.Repairs > c.cfg.MaxRepairs {
		return fmt.Errorf("%w: %d repairs attempted: %w", core.ErrClarificationExhausted, c.cfg.MaxRepairs, cause)
	}
	if c.cfg.MaxRepairsPerError > 0 && perKey[key] > c.cfg.MaxRepairsPerError {
		return fmt.Errorf("%w: same violation repeated %d times: %w", core.ErrClarificationExhausted, perKey[key], cause)
	}
	return nil
}

// fatal reports validation errors no redraft can fix: a malformed top-level
// envelope. Shape errors inside json.* are repairable.
func fatal(err error) bool {
	var ee *instruction.EnvelopeError
	if errors.As(err, &ee) {
		return !strings.HasPrefix(ee.Path, "json.")
	}
	return false
}

var (
	quoted = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	digits = regexp.MustCompile(`[0-9]+`)
)

// errorKey groups violations that differ only in indices or quoted values.
func errorKey(msg string) string {
	msg = quoted.ReplaceAllString(msg, `""`)
	return digits.ReplaceAllString(msg, "#")
}

// ScriptedInput answers from a fixed list, then reports io.EOF.
type ScriptedInput struct {
	Answers []string
	Asked   [][]string
}

func (s *ScriptedInput) Ask(ctx context.Context, questions []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.Asked = append(s.Asked, questions)
	if len(s.Answers) == 0 {
		return "", io.EOF
	}
	a := s.Answers[0]
	s.Answers = s.Answers[1:]
	return a, nil
}

// WaitInput blocks until an answer arrives on the channel. A closed channel
// aborts the session.
type WaitInput struct {
	Questions chan<- []string
	Answers   <-chan string
}

func (w WaitInput) Ask(ctx context.Context, questions []string) (string, error) {
	if w.Questions != nil {
		select {
		case w.Questions <- questions:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	select {
	case a, ok := <-w.Answers:
		if !ok {
			return "", io.EOF
		}
		return a, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
