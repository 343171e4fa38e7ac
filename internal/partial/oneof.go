package partial

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
)

// OneOf is a value constrained to an enumerated set of possibilities. A set
// of one collapses to a known value.
type OneOf[T comparable] struct {
	options []T
}

// KnownValue constructs a OneOf that already holds exactly one possibility.
func KnownValue[T comparable](v T) OneOf[T] {
	return OneOf[T]{options: []T{v}}
}

// AnyOf constructs a OneOf over the given possibilities, deduplicated in
// order of first appearance.
func AnyOf[T comparable](options ...T) OneOf[T] {
	seen := make(map[T]struct{}, len(options))
	out := make([]T, 0, len(options))
	for _, o := range options {
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return OneOf[T]{options: out}
}

// Value returns the single remaining possibility; ok is false while more
// than one remains.
func (s OneOf[T]) Value() (v T, ok bool) {
	if len(s.options) != 1 {
		var zero T
		return zero, false
	}
	return s.options[0], true
}

// Options returns the remaining possibilities.
func (s OneOf[T]) Options() []T {
	return append([]T(nil), s.options...)
}

// Ambiguous reports whether more than one possibility remains.
func (s OneOf[T]) Ambiguous() bool {
	return len(s.options) > 1
}

// CouldBe reports whether observed is among the possibilities.
func (s OneOf[T]) CouldBe(observed T) bool {
	for _, o := range s.options {
		if o == observed {
			return true
		}
	}
	return false
}

// Diff classifies observed against the possibility set.
func (s OneOf[T]) Diff(observed T) DiffKind {
	if !s.CouldBe(observed) {
		return DiffIncompatible
	}
	if len(s.options) == 1 {
		return DiffEmpty
	}
	return DiffCompatible
}

// Observe collapses the set to observed, or reports a conflict when observed
// is not among the possibilities.
func (s *OneOf[T]) Observe(path string, observed T) []Conflict {
	if !s.CouldBe(observed) {
		return []Conflict{Conflictf(path, "expected one of %v, but observed %v", s.options, observed)}
	}
	s.options = []T{observed}
	return nil
}

// MarshalJSON encodes a known value as the bare value and an open set as a
// {"oneOf": [...]} object.
func (s OneOf[T]) MarshalJSON() ([]byte, error) {
	if len(s.options) == 1 {
		return json.Marshal(s.options[0])
	}
	return json.Marshal(map[string][]T{"oneOf": s.options})
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (s *OneOf[T]) UnmarshalJSON(data []byte) error {
	var obj struct {
		OneOf []T `json:"oneOf"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && len(obj.OneOf) > 0 {
		*s = OneOf[T]{options: obj.OneOf}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, fmt.Sprintf("partial: decode one-of from %s", data))
	}
	*s = KnownValue(v)
	return nil
}
