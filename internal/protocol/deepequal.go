package protocol

import "encoding/json"

// Normalize converts an arbitrary Go value into the generic JSON shape:
// map[string]any, []any, float64, string, bool, or nil. Values already in
// that shape are walked without reserialization; anything else (structs,
// integer types, json.RawMessage) takes the marshal round-trip.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, string, float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return string(t)
		}
		return Normalize(decoded)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		return Normalize(decoded)
	}
}

// DeepEqual reports structural equality of two JSON-shaped values:
// objects unordered, arrays ordered, numbers by value, strings by code
// units, null distinct from an absent key. Used by the subscription
// manager to suppress duplicate query pushes.
func DeepEqual(a, b any) bool {
	return deepEqual(Normalize(a), Normalize(b))
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, ae := range av {
			be, present := bv[k]
			if !present || !deepEqual(ae, be) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
