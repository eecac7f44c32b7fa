package instruction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/itsneelabh/geomind/geo"
)

// Outcome is the result of validating an envelope: Ready or NeedsClarification.
type Outcome interface {
	isOutcome()
}

// Ready carries an instruction that can be executed as-is.
type Ready struct {
	Instruction Instruction
	Params      []geo.Params // normalized parameters per action, in declared order
}

// Issue is one parameter violation tied to the action that raised it.
type Issue struct {
	ActionIndex int
	OutputID    string
	Violation   *geo.ValidationError
}

// NeedsClarification lists what must be answered before execution.
type NeedsClarification struct {
	Questions []string
	Issues    []Issue
}

func (Ready) isOutcome()              {}
func (NeedsClarification) isOutcome() {}

// Validate runs the ordered checks on an envelope:
//
//  1. complete=true requires at least one action and no questions
//  2. ids are unique and products are well formed
//  3. every product reference resolves
//  4. every action's parameters normalize
//
// The top-level key check happens in ParseEnvelope. Checks 1-3 fail with an
// error; check 4 accumulates violations as questions. The outcome, not the envelope's own complete flag, decides readiness.
func Validate(env *Envelope) (Outcome, error) {
	if env == nil {
		return nil, malformed("", "nil envelope")
	}
	in := &env.Instruction

	if env.Complete {
		if len(in.Actions) == 0 {
			return nil, &CompletenessError{Message: "complete=true but there are no actions"}
		}
		if len(nonEmpty(env.Questions)) > 0 {
			return nil, &CompletenessError{Message: "complete=true but questions are still open"}
		}
	}

	if err := checkStructure(in); err != nil {
		return nil, err
	}

	for i, act := range in.Actions {
		if ref, ok := act.ProductRef(); ok {
			if _, found := in.Product(ref); !found {
				return nil, &DanglingReferenceError{ActionIndex: i, OutputID: act.OutputID, Ref: ref}
			}
		}
	}

	var (
		issues    []Issue
		questions []string
		params    = make([]geo.Params, 0, len(in.Actions))
	)
	for i, act := range in.Actions {
		p, err := in.NormalizeAction(i)
		if err == nil {
			params = append(params, p)
			continue
		}
		var verrs geo.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		for _, v := range verrs {
			issues = append(issues, Issue{ActionIndex: i, OutputID: act.OutputID, Violation: v})
			questions = append(questions, fmt.Sprintf("[%s] %s", act.OutputID, v.Question()))
		}
	}

	if !env.Complete {
		questions = append(nonEmpty(env.Questions), questions...)
		if len(questions) == 0 {
			return nil, &CompletenessError{Message: "complete=false without any question to ask"}
		}
		return NeedsClarification{Questions: questions, Issues: issues}, nil
	}
	if len(issues) > 0 {
		return NeedsClarification{Questions: questions, Issues: issues}, nil
	}
	return Ready{Instruction: in.Clone(), Params: params}, nil
}

// checkStructure enforces identity and shape rules that no clarification can fix
// without a redraft.
func checkStructure(in *Instruction) error {
	products := make(map[string]bool, len(in.Products))
	for i, p := range in.Products {
		path := fmt.Sprintf("json.products[%d]", i)
		if strings.TrimSpace(p.ID) == "" {
			return malformed(path, "id must be a non-empty string")
		}
		if products[p.ID] {
			return &DuplicateIDError{Kind: "product", ID: p.ID}
		}
		products[p.ID] = true
		if !isFilePath(p.Name) {
			return malformed(path, "name %q must be a file path, not a folder", p.Name)
		}
		if err := checkProductDates(p); err != nil {
			return malformed(path, "%v", err)
		}
		if !validResolution(p.Resolution) {
			return malformed(path, "resolution must be a positive number or %q", geo.Default)
		}
	}

	outputs := make(map[string]bool, len(in.Actions))
	for i, a := range in.Actions {
		path := actionPath(i)
		if strings.TrimSpace(a.GeoprocessName) == "" {
			return malformed(path, "geoprocess_name must be a non-empty string")
		}
		if strings.TrimSpace(a.OutputID) == "" {
			return malformed(path, "output_id must be a non-empty string")
		}
		if outputs[a.OutputID] {
			return &DuplicateIDError{Kind: "output", ID: a.OutputID}
		}
		outputs[a.OutputID] = true
	}
	return nil
}

func checkProductDates(p Product) error {
	var start, end *geo.Date
	if p.DateRange.Start != "" {
		d, err := geo.ParseDate(p.DateRange.Start)
		if err != nil {
			return fmt.Errorf("date_range.start: %v", err)
		}
		start = &d
	}
	if p.DateRange.End != "" {
		d, err := geo.ParseDate(p.DateRange.End)
		if err != nil {
			return fmt.Errorf("date_range.end: %v", err)
		}
		end = &d
	}
	if start != nil && end != nil && end.Before(*start) {
		return fmt.Errorf("date_range.start %s is after end %s", start, end)
	}
	return nil
}

func nonEmpty(qs []string) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		if strings.TrimSpace(q) != "" {
			out = append(out, q)
		}
	}
	return out
}

func validResolution(r interface{}) bool {
	switch v := r.(type) {
	case nil:
		return true
	case string:
		return strings.EqualFold(strings.TrimSpace(v), geo.Default)
	case float64:
		return v > 0
	case int:
		return v > 0
	default:
		return false
	}
}
