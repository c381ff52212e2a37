package task

import "encoding/json"

// The labels, notes, metadata and blocked_by columns are stored as JSON text.
// Decoding is deliberately forgiving: a corrupt column recovers as the empty
// default instead of surfacing an error, so a single bad row can never poison
// a read path.

// EncodeStrings renders a string slice as a JSON array. nil encodes as "[]".
func EncodeStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return string(b)
}

// DecodeStrings parses a JSON array of strings, recovering as empty on any
// malformed input.
func DecodeStrings(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// EncodeMetadata renders a string map as a JSON object. nil encodes as "{}".
func EncodeMetadata(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// DecodeMetadata parses a JSON object of string values, recovering as empty
// on any malformed input.
func DecodeMetadata(raw string) map[string]string {
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]string{}
	}
	return out
}
