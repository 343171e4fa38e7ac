package partial

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRanged_KnownDiff(t *testing.T) {
	r := Known(0.5)
	assert.Equal(t, DiffEmpty, r.Diff(0.5))
	assert.Equal(t, DiffIncompatible, r.Diff(0.6))
}

func TestRanged_RangeDiff(t *testing.T) {
	r := Range(0.54, 0.58)
	assert.Equal(t, DiffCompatible, r.Diff(0.56))
	assert.Equal(t, DiffCompatible, r.Diff(0.54))
	assert.Equal(t, DiffCompatible, r.Diff(0.58))
	assert.Equal(t, DiffIncompatible, r.Diff(0.60))
}

func TestRanged_ObserveCollapses(t *testing.T) {
	r := Range(0.54, 0.58)
	conflicts := r.Observe("divinity", 0.56)
	assert.Empty(t, conflicts)

	v, ok := r.Value()
	require.True(t, ok)
	assert.Equal(t, 0.56, v)
	assert.False(t, r.Ambiguous())
	assert.Equal(t, DiffEmpty, r.Diff(0.56))
}

func TestRanged_ObserveOutOfBounds(t *testing.T) {
	r := Range(0.54, 0.58)
	conflicts := r.Observe("divinity", 0.70)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "divinity", conflicts[0].Path)
	// The failed observation must not narrow the range.
	assert.True(t, r.Ambiguous())
}

func TestRanged_MonotoneOnceKnown(t *testing.T) {
	r := Range(2, 4)
	require.Empty(t, r.Observe("hits", 3))
	conflicts := r.Observe("hits", 2)
	require.Len(t, conflicts, 1)
	v, _ := r.Value()
	assert.Equal(t, 3, v)
}

func TestRanged_AddConstant(t *testing.T) {
	r := Range(0.1, 0.2)
	r.AddConstant(0.5)
	lo, hi := r.Bounds()
	assert.InDelta(t, 0.6, lo, 1e-9)
	assert.InDelta(t, 0.7, hi, 1e-9)
	assert.True(t, r.Ambiguous())
}

func TestRanged_AddRangeWidensKnown(t *testing.T) {
	r := Known(0.50)
	r.AddRange(0.04, 0.08)
	lo, hi := r.Bounds()
	assert.InDelta(t, 0.54, lo, 1e-9)
	assert.InDelta(t, 0.58, hi, 1e-9)
	assert.True(t, r.Ambiguous())
}

func TestRanged_MaybeAdd(t *testing.T) {
	t.Run("known true adds to both bounds", func(t *testing.T) {
		r := Known(3)
		r.MaybeAdd(KnownOf(true), 1)
		v, ok := r.Value()
		require.True(t, ok)
		assert.Equal(t, 4, v)
	})

	t.Run("known false adds nothing", func(t *testing.T) {
		r := Known(3)
		r.MaybeAdd(KnownOf(false), 1)
		v, ok := r.Value()
		require.True(t, ok)
		assert.Equal(t, 3, v)
	})

	t.Run("unknown widens the upper bound", func(t *testing.T) {
		r := Known(3)
		r.MaybeAdd(Unknown[bool](), 1)
		lo, hi := r.Bounds()
		assert.Equal(t, 3, lo)
		assert.Equal(t, 4, hi)
		assert.True(t, r.Ambiguous())
	})
}

func TestRanged_JSONRoundTrip(t *testing.T) {
	known := Known(0.5)
	data, err := json.Marshal(known)
	require.NoError(t, err)
	assert.JSONEq(t, `0.5`, string(data))

	var back Ranged[float64]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, known, back)

	ranged := Range(0.54, 0.58)
	data, err = json.Marshal(ranged)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lower":0.54,"upper":0.58}`, string(data))

	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ranged, back)
}

func TestMaybeKnown_Diff(t *testing.T) {
	u := Unknown[string]()
	assert.Equal(t, DiffCompatible, u.Diff("anything"))

	k := KnownOf("jaylen")
	assert.Equal(t, DiffEmpty, k.Diff("jaylen"))
	assert.Equal(t, DiffIncompatible, k.Diff("york"))
}

func TestMaybeKnown_Observe(t *testing.T) {
	u := Unknown[int]()
	require.Empty(t, u.Observe("order", 3))
	v, ok := u.Value()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	conflicts := u.Observe("order", 4)
	require.Len(t, conflicts, 1)
	v, _ = u.Value()
	assert.Equal(t, 3, v)
}

func TestMaybeKnown_JSON(t *testing.T) {
	data, err := json.Marshal(Unknown[string]())
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var back MaybeKnown[string]
	require.NoError(t, json.Unmarshal([]byte(`"hi"`), &back))
	v, ok := back.Value()
	require.True(t, ok)
	assert.Equal(t, "hi", v)

	require.NoError(t, json.Unmarshal([]byte(`null`), &back))
	assert.True(t, back.Ambiguous())
}

func TestOneOf_DiffAndObserve(t *testing.T) {
	s := AnyOf("first", "second", "first")
	assert.Len(t, s.Options(), 2)
	assert.Equal(t, DiffCompatible, s.Diff("second"))
	assert.Equal(t, DiffIncompatible, s.Diff("third"))

	require.Empty(t, s.Observe("base", "second"))
	assert.Equal(t, DiffEmpty, s.Diff("second"))

	conflicts := s.Observe("base", "first")
	require.Len(t, conflicts, 1)
}

func TestOneOf_JSONRoundTrip(t *testing.T) {
	s := AnyOf(1, 2)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"oneOf":[1,2]}`, string(data))

	var back OneOf[int]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	require.NoError(t, json.Unmarshal([]byte(`2`), &back))
	v, ok := back.Value()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestFold(t *testing.T) {
	assert.Equal(t, DiffEmpty, Fold())
	assert.Equal(t, DiffEmpty, Fold(DiffEmpty, DiffEmpty))
	assert.Equal(t, DiffCompatible, Fold(DiffEmpty, DiffCompatible))
	assert.Equal(t, DiffIncompatible, Fold(DiffCompatible, DiffIncompatible, DiffEmpty))
}
