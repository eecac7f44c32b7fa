package instruction

// Merge applies a revision delta to a baseline instruction and returns the
// result; neither argument is modified.
//
// Products are matched by id and actions by output_id. Non-empty fields in
// the delta replace the baseline's, maps (input_json, other_params) are
// merged key by key recursively, and a JSON null in a delta map removes the
// key. Products and actions the delta does not mention are kept; new ones
// are appended in delta order.
func Merge(base, delta Instruction) Instruction {
	out := base.Clone()

	for _, dp := range delta.Products {
		idx := -1
		for i := range out.Products {
			if out.Products[i].ID == dp.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			out.Products = append(out.Products, dp)
			continue
		}
		out.Products[idx] = mergeProduct(out.Products[idx], dp)
	}

	for _, da := range delta.Actions {
		idx := -1
		for i := range out.Actions {
			if out.Actions[i].OutputID == da.OutputID {
				idx = i
				break
			}
		}
		if idx < 0 {
			out.Actions = append(out.Actions, Action{
				GeoprocessName: da.GeoprocessName,
				InputJSON:      MergeMaps(nil, da.InputJSON),
				OutputID:       da.OutputID,
			})
			continue
		}
		cur := &out.Actions[idx]
		if da.GeoprocessName != "" {
			cur.GeoprocessName = da.GeoprocessName
		}
		cur.InputJSON = MergeMaps(cur.InputJSON, da.InputJSON)
	}

	if len(delta.OtherParams) > 0 {
		out.OtherParams = MergeMaps(out.OtherParams, delta.OtherParams)
	}
	return out
}

func mergeProduct(base, delta Product) Product {
	if delta.Name != "" {
		base.Name = delta.Name
	}
	if delta.DateRange.Start != "" {
		base.DateRange.Start = delta.DateRange.Start
	}
	if delta.DateRange.End != "" {
		base.DateRange.End = delta.DateRange.End
	}
	if delta.Projection != "" {
		base.Projection = delta.Projection
	}
	if delta.Resolution != nil {
		base.Resolution = delta.Resolution
	}
	return base
}

// MergeMaps deep-merges delta into a copy of base: {a:1,b:2} + {b:3} = {a:1,b:3}.
func MergeMaps(base, delta map[string]interface{}) map[string]interface{} {
	out := cloneMap(base)
	if out == nil {
		out = make(map[string]interface{}, len(delta))
	}
	for k, dv := range delta {
		if dv == nil {
			delete(out, k)
			continue
		}
		dm, dIsMap := dv.(map[string]interface{})
		bm, bIsMap := out[k].(map[string]interface{})
		if dIsMap && bIsMap {
			out[k] = MergeMaps(bm, dm)
			continue
		}
		out[k] = cloneValue(dv)
	}
	return out
}
