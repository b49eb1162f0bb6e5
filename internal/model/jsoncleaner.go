package model

import "math"

// cleanPayload recursively replaces values the scanners are known to emit
// that JSON cannot represent. BLE distance estimates come back as +Inf when
// no TxPower was advertised, and smoothed RSSI can be NaN before the first
// sample; both become null instead of failing the whole event.
func cleanPayload(data map[string]any) map[string]any {
	cleaned := make(map[string]any)
	for k, v := range data {
		switch val := v.(type) {
		case float64:
			if math.IsInf(val, 0) || math.IsNaN(val) {
				cleaned[k] = nil
			} else {
				cleaned[k] = val
			}
		case map[string]any:
			cleaned[k] = cleanPayload(val)
		case []any:
			cleaned[k] = cleanPayloadSlice(val)
		default:
			cleaned[k] = v
		}
	}
	return cleaned
}

func cleanPayloadSlice(slice []any) []any {
	cleaned := make([]any, len(slice))
	for i, v := range slice {
		switch val := v.(type) {
		case float64:
			if math.IsInf(val, 0) || math.IsNaN(val) {
				cleaned[i] = nil
			} else {
				cleaned[i] = val
			}
		case map[string]any:
			cleaned[i] = cleanPayload(val)
		case []any:
			cleaned[i] = cleanPayloadSlice(val)
		default:
			cleaned[i] = v
		}
	}
	return cleaned
}

// MarshalPayload cleans and marshals an opaque device payload for storage.
func MarshalPayload(data map[string]any) ([]byte, error) {
	return jsonFast.Marshal(cleanPayload(data))
}

// UnmarshalPayload decodes a stored payload column back into a map. Empty
// input decodes to an empty map.
func UnmarshalPayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := jsonFast.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
