package instruction

import (
	"strings"

	"github.com/itsneelabh/geomind/geo"
)

// productRefKeys are the input_json keys that may carry a product id.
var productRefKeys = []string{geo.KeyProduct, "product_id"}

// ProductRef returns the product id an action references, if any.
func (a Action) ProductRef() (string, bool) {
	for _, k := range productRefKeys {
		if v, ok := a.InputJSON[k]; ok && v != nil {
			return describe(v), true
		}
	}
	return "", false
}

// ResolveAction builds the raw parameter bag for action i: a copy of its
// input_json with the product id replaced by the product name, and
// unspecified dates, projection and resolution filled from the product.
// Global other_params fill keys the action leaves unset. The action itself
// is never mutated.
func (in *Instruction) ResolveAction(i int) (map[string]interface{}, error) {
	act := in.Actions[i]
	params := make(map[string]interface{}, len(act.InputJSON)+len(in.OtherParams)+4)
	for k, v := range in.OtherParams {
		params[k] = cloneValue(v)
	}
	for k, v := range act.InputJSON {
		params[k] = cloneValue(v)
	}
	delete(params, "product_id")

	ref, ok := act.ProductRef()
	if !ok {
		return params, nil
	}
	product, found := in.Product(ref)
	if !found {
		return nil, &DanglingReferenceError{ActionIndex: i, OutputID: act.OutputID, Ref: ref}
	}
	params[geo.KeyProduct] = product.Name

	fillDefault(params, geo.KeyProjection, product.Projection)
	if product.Resolution != nil {
		fillDefault(params, geo.KeyResolution, product.Resolution)
	}

	if !hasAny(params, geo.KeyDate, geo.KeyStart, geo.KeyEnd) {
		start, end := product.DateRange.Start, product.DateRange.End
		if geo.FamilyOf(act.GeoprocessName).Composite() {
			fillDefault(params, geo.KeyStart, start)
			fillDefault(params, geo.KeyEnd, end)
		} else if start != "" && (start == end || end == "") {
			params[geo.KeyDate] = start
		}
	}
	return params, nil
}

// NormalizeAction resolves and normalizes action i.
func (in *Instruction) NormalizeAction(i int) (geo.Params, error) {
	raw, err := in.ResolveAction(i)
	if err != nil {
		return geo.Params{}, err
	}
	return geo.Normalize(geo.FamilyOf(in.Actions[i].GeoprocessName), raw)
}

func fillDefault(params map[string]interface{}, key string, value interface{}) {
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return
	}
	if existing, ok := params[key]; ok && existing != nil {
		if s, isStr := existing.(string); !isStr || strings.TrimSpace(s) != "" {
			return
		}
	}
	params[key] = value
}

func hasAny(params map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if v, ok := params[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return true
		}
	}
	return false
}
