// Package instruction holds the executable instruction model: products,
// actions, the envelope exchanged with the drafting collaborator, and the
// validator that decides whether an envelope is ready to execute.
package instruction

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DateRange is an inclusive pair of YYYY-MM-DD dates.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Product is a named input dataset. Actions reference it by ID.
type Product struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	DateRange  DateRange   `json:"date_range"`
	Projection string      `json:"projection,omitempty"`
	Resolution interface{} `json:"resolution,omitempty"`
}

// UnmarshalJSON also accepts the short field names drafting models tend to
// produce: date{initial_date,end_date}, proj and res.
func (p *Product) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         string      `json:"id"`
		Name       string      `json:"name"`
		DateRange  *DateRange  `json:"date_range"`
		Projection string      `json:"projection"`
		Resolution interface{} `json:"resolution"`
		Date       *struct {
			Initial string `json:"initial_date"`
			End     string `json:"end_date"`
		} `json:"date"`
		Proj string      `json:"proj"`
		Res  interface{} `json:"res"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Product{ID: raw.ID, Name: raw.Name, Projection: raw.Projection, Resolution: raw.Resolution}
	if raw.DateRange != nil {
		p.DateRange = *raw.DateRange
	} else if raw.Date != nil {
		p.DateRange = DateRange{Start: raw.Date.Initial, End: raw.Date.End}
	}
	if p.Projection == "" {
		p.Projection = raw.Proj
	}
	if p.Resolution == nil {
		p.Resolution = raw.Res
	}
	return nil
}

// Action is one geoprocess invocation.
type Action struct {
	GeoprocessName string                 `json:"geoprocess_name"`
	InputJSON      map[string]interface{} `json:"input_json"`
	OutputID       string                 `json:"output_id"`
}

// Instruction is the complete executable request.
type Instruction struct {
	Products    []Product              `json:"products"`
	Actions     []Action               `json:"actions"`
	OtherParams map[string]interface{} `json:"other_params"`
}

// Product returns the product with the given id.
func (in *Instruction) Product(id string) (Product, bool) {
	for _, p := range in.Products {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// Clone returns a deep copy so callers can patch it without aliasing.
func (in Instruction) Clone() Instruction {
	out := Instruction{
		Products:    make([]Product, len(in.Products)),
		Actions:     make([]Action, len(in.Actions)),
		OtherParams: cloneMap(in.OtherParams),
	}
	copy(out.Products, in.Products)
	for i, a := range in.Actions {
		out.Actions[i] = Action{
			GeoprocessName: a.GeoprocessName,
			InputJSON:      cloneMap(a.InputJSON),
			OutputID:       a.OutputID,
		}
	}
	return out
}

// OutputIDs lists action outputs in declared order.
func (in *Instruction) OutputIDs() []string {
	ids := make([]string, len(in.Actions))
	for i, a := range in.Actions {
		ids[i] = a.OutputID
	}
	return ids
}

// Envelope wraps an instruction draft with its completeness claim and
// the open questions for the requester.
type Envelope struct {
	Instruction Instruction `json:"json"`
	Complete    bool        `json:"complete"`
	Questions   []string    `json:"questions"`
}

// MarshalJSON keeps empty collections as [] and {} rather than null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	in := e.Instruction
	if in.Products == nil {
		in.Products = []Product{}
	}
	if in.Actions == nil {
		in.Actions = []Action{}
	}
	for i := range in.Actions {
		if in.Actions[i].InputJSON == nil {
			in.Actions[i].InputJSON = map[string]interface{}{}
		}
	}
	if in.OtherParams == nil {
		in.OtherParams = map[string]interface{}{}
	}
	questions := e.Questions
	if questions == nil {
		questions = []string{}
	}
	return json.Marshal(struct {
		Instruction Instruction `json:"json"`
		Complete    bool        `json:"complete"`
		Questions   []string    `json:"questions"`
	}{in, e.Complete, questions})
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// isFilePath rejects empty names and names that denote a folder.
func isFilePath(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasSuffix(name, "/") || strings.HasSuffix(name, "\\") {
		return false
	}
	return true
}

func describe(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
