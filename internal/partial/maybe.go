package partial

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// MaybeKnown is a value that is either fully known or entirely unknown.
type MaybeKnown[T comparable] struct {
	value T
	known bool
}

// KnownOf constructs a known MaybeKnown.
func KnownOf[T comparable](v T) MaybeKnown[T] {
	return MaybeKnown[T]{value: v, known: true}
}

// Unknown constructs an unknown MaybeKnown.
func Unknown[T comparable]() MaybeKnown[T] {
	return MaybeKnown[T]{}
}

// Value returns the known value; ok is false while the value is unknown.
func (m MaybeKnown[T]) Value() (v T, ok bool) {
	return m.value, m.known
}

// Ambiguous reports whether the value is still unknown.
func (m MaybeKnown[T]) Ambiguous() bool {
	return !m.known
}

// Diff classifies observed against the current knowledge.
func (m MaybeKnown[T]) Diff(observed T) DiffKind {
	if !m.known {
		return DiffCompatible
	}
	if m.value == observed {
		return DiffEmpty
	}
	return DiffIncompatible
}

// Observe fixes the value to observed. An already-known value that disagrees
// yields a conflict and is left untouched.
func (m *MaybeKnown[T]) Observe(path string, observed T) []Conflict {
	if m.known && m.value != observed {
		return []Conflict{Conflictf(path, "expected %v, but observed %v", m.value, observed)}
	}
	m.value = observed
	m.known = true
	return nil
}

// MarshalJSON encodes a known value as the bare value and unknown as null.
func (m MaybeKnown[T]) MarshalJSON() ([]byte, error) {
	if !m.known {
		return []byte("null"), nil
	}
	return json.Marshal(m.value)
}

// UnmarshalJSON decodes null as unknown and anything else as known.
func (m *MaybeKnown[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = Unknown[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "partial: decode maybe-known")
	}
	*m = KnownOf(v)
	return nil
}
