package task

import "encoding/json"

// Mutable field names as they appear in oplog update entries. The notes field
// and the notes_clear sentinel are not listed here: notes are append-only and
// handled by their own code paths.
const (
	FieldTitle     = "title"
	FieldStatus    = "status"
	FieldPriority  = "priority"
	FieldOwner     = "owner"
	FieldDueAt     = "due_at"
	FieldLabels    = "labels"
	FieldBlockedBy = "blocked_by"
	FieldMetadata  = "metadata"

	// FieldNotes appends one note; FieldNotesClear resets the sequence.
	FieldNotes      = "notes"
	FieldNotesClear = "notes_clear"
)

// ApplyField sets one field from its oplog value encoding: raw strings for
// scalars, JSON text for composites, nil to clear a nullable field.
//
// The return value reports whether the update was applied. Invalid values
// (unknown enum members, unparseable JSON, null for a non-nullable field,
// unknown field names) are dropped without error, and the caller must not
// record them as LWW winners.
func ApplyField(t *Task, field string, value *string) bool {
	switch field {
	case FieldTitle:
		// Title is non-nullable: null does not clear it.
		if value == nil {
			return false
		}
		t.Title = *value
		return true
	case FieldStatus:
		if value == nil || !Status(*value).Valid() {
			return false
		}
		t.Status = Status(*value)
		return true
	case FieldPriority:
		if value == nil || !Priority(*value).Valid() {
			return false
		}
		t.Priority = Priority(*value)
		return true
	case FieldOwner:
		if value == nil {
			t.Owner = nil
			return true
		}
		v := *value
		t.Owner = &v
		return true
	case FieldDueAt:
		if value == nil {
			t.DueAt = nil
			return true
		}
		v := *value
		t.DueAt = &v
		return true
	case FieldLabels:
		vs, ok := decodeStringsStrict(value)
		if !ok {
			return false
		}
		t.Labels = Dedupe(vs)
		return true
	case FieldBlockedBy:
		vs, ok := decodeStringsStrict(value)
		if !ok {
			return false
		}
		t.BlockedBy = vs
		return true
	case FieldMetadata:
		if value == nil {
			return false
		}
		var m map[string]string
		if err := json.Unmarshal([]byte(*value), &m); err != nil {
			return false
		}
		if m == nil {
			m = map[string]string{}
		}
		t.Metadata = m
		return true
	}
	return false
}

func decodeStringsStrict(value *string) ([]string, bool) {
	if value == nil {
		return nil, false
	}
	var vs []string
	if err := json.Unmarshal([]byte(*value), &vs); err != nil {
		return nil, false
	}
	if vs == nil {
		vs = []string{}
	}
	return vs, true
}
