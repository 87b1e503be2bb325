// Package snapshot computes deterministic fingerprints of the editable
// order fields for dirty-checking. A fingerprint taken at load time (and
// after each successful save) is compared against the current form values;
// inequality means unsaved local edits exist.
package snapshot

import "strings"

// EditableKeys is the canonical fixed-order list of fields that take part
// in the fingerprint. Serialization order never depends on input ordering.
var EditableKeys = []string{
	"title",
	"comment",
	"region",
	"city",
	"street",
	"house",
	"fio",
	"phone",
	"time_window_start",
	"assigned_to",
	"to_feed",
	"urgent",
	"department_id",
	"price",
	"fuel_cost",
	"work_type_id",
}

// Fingerprint is an opaque comparable serialization of the editable subset.
type Fingerprint string

// Capture serializes the editable subset of values. Keys outside
// EditableKeys are ignored; missing keys serialize as empty. Callers are
// expected to pass the phone already normalized to digits and the schedule
// as ISO-8601.
func Capture(values map[string]string) Fingerprint {
	var b strings.Builder
	for _, key := range EditableKeys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(values[key])
		b.WriteByte('\x1f')
	}
	return Fingerprint(b.String())
}

// Dirty reports whether values no longer match the captured baseline.
func (f Fingerprint) Dirty(values map[string]string) bool {
	return Capture(values) != f
}
