// Package patch implements RFC 7396 JSON merge patch, exactly as specified
// in spec.md §4.2: arrays are replaced wholesale, null deletes a key, field
// order is irrelevant. The algorithm is deliberately hand-rolled rather than
// delegated to a third-party merge-patch library — see DESIGN.md.
package patch

import "encoding/json"

// Apply applies patch to target per RFC 7396 and returns the result.
// Both target and patch are arbitrary decoded JSON values (the output of
// json.Unmarshal into interface{}): nil, bool, float64, string,
// []interface{}, or map[string]interface{}.
func Apply(target, patchVal any) any {
	patchObj, ok := patchVal.(map[string]any)
	if !ok {
		// "If patch is not an object, the result is patch (replacement)."
		return patchVal
	}

	targetObj, ok := target.(map[string]any)
	if !ok {
		// "Otherwise, if target is not an object, treat it as {}."
		targetObj = map[string]any{}
	}

	result := make(map[string]any, len(targetObj))
	for k, v := range targetObj {
		result[k] = v
	}

	for key, val := range patchObj {
		if val == nil {
			delete(result, key)
			continue
		}
		if _, isObj := val.(map[string]any); isObj {
			result[key] = Apply(result[key], val)
			continue
		}
		result[key] = val
	}

	return result
}

// ApplyJSON applies a raw JSON merge patch document to a raw JSON target and
// returns the re-encoded result. If target is empty, the patch body itself
// becomes the initial document (spec.md §3 invariant 5).
func ApplyJSON(target, patchDoc json.RawMessage) (json.RawMessage, error) {
	var patchVal any
	if err := json.Unmarshal(patchDoc, &patchVal); err != nil {
		return nil, err
	}

	if len(target) == 0 {
		return json.Marshal(patchVal)
	}

	var targetVal any
	if err := json.Unmarshal(target, &targetVal); err != nil {
		return nil, err
	}

	merged := Apply(targetVal, patchVal)
	return json.Marshal(merged)
}
