// ABOUTME: Three-valued optional field for metadata merge semantics
// ABOUTME: Distinguishes "field absent" from "field explicitly null" from "field set"
package protocol

import "encoding/json"

// Opt represents a field that can be absent (key missing entirely), null
// (key present with a JSON null), or set to a value. Plain pointers can't
// tell "absent" apart from "null", which metadata merges need: an absent
// field leaves the previous value alone, a null field clears it.
type Opt[T any] struct {
	state optState
	value T
}

type optState uint8

const (
	optAbsent optState = iota
	optNull
	optSet
)

// Absent returns a field that was not present at all.
func Absent[T any]() Opt[T] { return Opt[T]{state: optAbsent} }

// Null returns a field explicitly set to JSON null.
func Null[T any]() Opt[T] { return Opt[T]{state: optNull} }

// Some returns a field set to value.
func Some[T any](value T) Opt[T] { return Opt[T]{state: optSet, value: value} }

// IsAbsent reports whether the field was missing from the payload.
func (o Opt[T]) IsAbsent() bool { return o.state == optAbsent }

// IsNull reports whether the field was present but explicitly null.
func (o Opt[T]) IsNull() bool { return o.state == optNull }

// Get returns the value and true iff the field is set to a concrete value.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.state == optSet
}

// Or returns the field's value, or fallback if it is absent or null — used
// when merging a patch over a current value.
func (o Opt[T]) Or(fallback T) T {
	if o.state == optSet {
		return o.value
	}
	return fallback
}

// MergeInto applies o onto current per the merge rule: absent leaves
// current untouched, null or set replaces it with (zero value, value).
func (o Opt[T]) MergeInto(current *T) {
	switch o.state {
	case optAbsent:
		return
	case optNull:
		var zero T
		*current = zero
	case optSet:
		*current = o.value
	}
}

// OptFromRaw decodes the field named key out of a decoded
// map[string]json.RawMessage the way distinguishing absent/null requires:
// encoding/json collapses both to the zero value once unmarshaled into a
// plain struct field, so callers that need the distinction first decode
// into map[string]json.RawMessage and call this helper per field.
func OptFromRaw[T any](raw map[string]json.RawMessage, key string) (Opt[T], error) {
	msg, present := raw[key]
	if !present {
		return Absent[T](), nil
	}
	if string(msg) == "null" {
		return Null[T](), nil
	}
	var v T
	if err := json.Unmarshal(msg, &v); err != nil {
		return Opt[T]{}, err
	}
	return Some(v), nil
}

// MarshalJSON renders absent as a JSON null too (Go's encoding/json gives
// callers no way to omit a field from inside its own MarshalJSON; building
// the envelope with an explicit map, as MetadataState.MarshalJSON does, is how
// an absent Opt is actually dropped from the wire).
func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if o.state != optSet {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON sets o to Null for a JSON null, Some(v) otherwise. Used
// when a field is decoded directly as part of a struct (where "absent" is
// indistinguishable from "null" anyway, per the encoding/json contract);
// for true absent/null/set decoding use OptFromRaw.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Null[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
