package partial

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Number covers the numeric field types carried by entities.
type Number interface {
	~int | ~int64 | ~float64
}

// Ranged is a numeric value that is either fully known or constrained to an
// inclusive range. Events that randomize a stat within bounds produce ranges;
// observations collapse them back to known values.
type Ranged[T Number] struct {
	lower   T
	upper   T
	isRange bool
}

// Known constructs a fully-known Ranged.
func Known[T Number](v T) Ranged[T] {
	return Ranged[T]{lower: v, upper: v}
}

// Range constructs a Ranged constrained to [lower, upper].
func Range[T Number](lower, upper T) Ranged[T] {
	if lower == upper {
		return Known(lower)
	}
	if upper < lower {
		lower, upper = upper, lower
	}
	return Ranged[T]{lower: lower, upper: upper, isRange: true}
}

// Value returns the known value. ok is false while the value is still a range.
func (r Ranged[T]) Value() (v T, ok bool) {
	if r.isRange {
		var zero T
		return zero, false
	}
	return r.lower, true
}

// Bounds returns the inclusive bounds. For a known value both are equal.
func (r Ranged[T]) Bounds() (lower, upper T) {
	return r.lower, r.upper
}

// Ambiguous reports whether more than one concrete value is still possible.
func (r Ranged[T]) Ambiguous() bool {
	return r.isRange
}

// CouldBe reports whether observed lies within the bounds.
func (r Ranged[T]) CouldBe(observed T) bool {
	return observed >= r.lower && observed <= r.upper
}

// Diff classifies observed against the current bounds.
func (r Ranged[T]) Diff(observed T) DiffKind {
	if !r.CouldBe(observed) {
		return DiffIncompatible
	}
	if r.isRange {
		return DiffCompatible
	}
	return DiffEmpty
}

// Observe collapses the value to Known(observed). Returns a conflict and
// leaves the value untouched when observed is out of bounds.
func (r *Ranged[T]) Observe(path string, observed T) []Conflict {
	if !r.CouldBe(observed) {
		if r.isRange {
			return []Conflict{Conflictf(path, "expected value between %v and %v, but observed %v", r.lower, r.upper, observed)}
		}
		return []Conflict{Conflictf(path, "expected %v, but observed %v", r.lower, observed)}
	}
	r.lower = observed
	r.upper = observed
	r.isRange = false
	return nil
}

// AddConstant shifts both bounds by delta, preserving the range width.
func (r *Ranged[T]) AddConstant(delta T) {
	r.lower += delta
	r.upper += delta
}

// AddRange widens the value: the lower bound grows by lo and the upper bound
// by hi. Used when an event changes a stat by an amount that is itself only
// bounded.
func (r *Ranged[T]) AddRange(lo, hi T) {
	if hi < lo {
		lo, hi = hi, lo
	}
	r.lower += lo
	r.upper += hi
	r.isRange = r.lower != r.upper
}

// MaybeAdd adds delta when cond is known true, nothing when known false, and
// widens the upper bound only when cond is unknown.
func (r *Ranged[T]) MaybeAdd(cond MaybeKnown[bool], delta T) {
	v, known := cond.Value()
	switch {
	case !known:
		r.upper += delta
		r.isRange = r.lower != r.upper
	case v:
		r.AddConstant(delta)
	}
}

type rangedJSON[T Number] struct {
	Lower T `json:"lower"`
	Upper T `json:"upper"`
}

// MarshalJSON encodes a known value as the bare value and a range as a
// {"lower", "upper"} object.
func (r Ranged[T]) MarshalJSON() ([]byte, error) {
	if r.isRange {
		return json.Marshal(rangedJSON[T]{Lower: r.lower, Upper: r.upper})
	}
	return json.Marshal(r.lower)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON. Raw upstream
// JSON always carries bare values, which decode as Known.
func (r *Ranged[T]) UnmarshalJSON(data []byte) error {
	var obj rangedJSON[T]
	if err := json.Unmarshal(data, &obj); err == nil {
		*r = Range(obj.Lower, obj.Upper)
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "partial: decode ranged")
	}
	*r = Known(v)
	return nil
}
