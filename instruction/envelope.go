package instruction

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var envelopeKeys = []string{"complete", "json", "questions"}

var instructionKeys = map[string]bool{"products": true, "actions": true, "other_params": true}

// ParseEnvelope decodes an envelope. The top level must hold exactly the
// keys json, complete and questions; anything else is a MalformedEnvelope.
// Missing instruction sections decode as empty.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, malformed("", "not a JSON object: %v", err)
	}

	var missing, unexpected []string
	for _, k := range envelopeKeys {
		if _, ok := top[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range top {
		if k != "json" && k != "complete" && k != "questions" {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		sort.Strings(unexpected)
		return nil, malformed("", "expected exactly keys %v (missing %v, unexpected %v)", envelopeKeys, missing, unexpected)
	}

	env := &Envelope{}
	if err := json.Unmarshal(top["complete"], &env.Complete); err != nil {
		return nil, malformed("complete", "must be a boolean")
	}
	if !isNull(top["questions"]) {
		if err := json.Unmarshal(top["questions"], &env.Questions); err != nil {
			return nil, malformed("questions", "must be a list of strings")
		}
	}

	in, err := parseInstruction(top["json"])
	if err != nil {
		return nil, err
	}
	env.Instruction = *in
	return env, nil
}

func parseInstruction(data json.RawMessage) (*Instruction, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil || sections == nil {
		return nil, malformed("json", "must be an object")
	}
	for k := range sections {
		if !instructionKeys[k] {
			return nil, malformed("json", "unexpected key %q", k)
		}
	}

	in := &Instruction{}
	if raw, ok := sections["products"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.Products); err != nil {
			return nil, malformed("json.products", "must be a list of product objects")
		}
	}
	if raw, ok := sections["actions"]; ok && !isNull(raw) {
		var actions []json.RawMessage
		if err := json.Unmarshal(raw, &actions); err != nil {
			return nil, malformed("json.actions", "must be a list of action objects")
		}
		for i, a := range actions {
			var act Action
			dec := json.NewDecoder(bytes.NewReader(a))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&act); err != nil {
				return nil, malformed(actionPath(i), "%v", err)
			}
			in.Actions = append(in.Actions, act)
		}
	}
	if raw, ok := sections["other_params"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &in.OtherParams); err != nil {
			return nil, malformed("json.other_params", "must be an object")
		}
	}
	return in, nil
}

var (
	fencedJSON    = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareNaN       = regexp.MustCompile(`([:\[,]\s*)(-?NaN|-?Infinity)(\s*[,\]}])`)
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// ExtractEnvelope pulls an envelope out of free text produced by a drafting
// model: a fenced json block is preferred, else the outermost braces. Bare
// NaN/Infinity literals become strings and trailing commas are dropped
// before decoding.
func ExtractEnvelope(text string) (*Envelope, error) {
	candidate := ""
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else {
		start := strings.IndexByte(text, '{')
		end := strings.LastIndexByte(text, '}')
		if start < 0 || end <= start {
			return nil, malformed("", "no JSON object found in response")
		}
		candidate = text[start : end+1]
	}
	return ParseEnvelope([]byte(sanitizeJSON(candidate)))
}

func sanitizeJSON(s string) string {
	// applied twice so adjacent literals ("[NaN, NaN]") are both caught
	for i := 0; i < 2; i++ {
		s = bareNaN.ReplaceAllString(s, `$1"$2"$3`)
	}
	return trailingComma.ReplaceAllString(s, "$1")
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func actionPath(i int) string {
	return "json.actions[" + strconv.Itoa(i) + "]"
}
