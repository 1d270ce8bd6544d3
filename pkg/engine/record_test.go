package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordClone(t *testing.T) {
	rec := Record{ID: 7, Props: map[int]any{
		1: "name",
		2: []byte{1, 2, 3},
		3: []int64{4, 5},
		4: []string{"a", "b"},
	}}

	cp := rec.Clone()
	cp.Props[1] = "changed"
	cp.Props[2].([]byte)[0] = 9
	cp.Props[3].([]int64)[0] = 9
	cp.Props[4].([]string)[0] = "z"

	assert.Equal(t, "name", rec.Props[1])
	assert.Equal(t, byte(1), rec.Props[2].([]byte)[0])
	assert.Equal(t, int64(4), rec.Props[3].([]int64)[0])
	assert.Equal(t, "a", rec.Props[4].([]string)[0])
}

func TestPropsCodec(t *testing.T) {
	now := time.Now().Round(0)
	props := map[int]any{
		1: "text",
		2: int64(-5),
		3: 3.25,
		4: true,
		5: []byte{0xde, 0xad},
		6: []int64{1, 2, 3},
		7: []string{"x", "y"},
		8: now,
	}

	data, err := encodeProps(props)
	require.NoError(t, err)

	decoded, err := decodeProps(data)
	require.NoError(t, err)
	assert.Equal(t, props[1], decoded[1])
	assert.Equal(t, props[2], decoded[2])
	assert.Equal(t, props[3], decoded[3])
	assert.Equal(t, props[4], decoded[4])
	assert.Equal(t, props[5], decoded[5])
	assert.Equal(t, props[6], decoded[6])
	assert.Equal(t, props[7], decoded[7])
	assert.True(t, now.Equal(decoded[8].(time.Time)))
}

func TestPropsCodecRejectsGarbage(t *testing.T) {
	_, err := decodeProps([]byte("not gob"))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, int64(5), normalize(5))
	assert.Equal(t, int64(5), normalize(int32(5)))
	assert.Equal(t, int64(5), normalize(uint64(5)))
	assert.Equal(t, float64(1.5), normalize(float32(1.5)))
	assert.Equal(t, "s", normalize("s"))

	ts := time.UnixMilli(1724630400000)
	assert.Equal(t, int64(1724630400000), normalize(ts))
}

func TestCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want int
	}{
		{"int64 less", int64(1), int64(2), -1},
		{"int64 equal", int64(2), int64(2), 0},
		{"int vs int64", 3, int64(2), 1},
		{"int64 vs float64", int64(2), 2.5, -1},
		{"float64 vs int64", 2.5, int64(2), 1},
		{"strings", "abc", "abd", -1},
		{"bools", false, true, -1},
		{"bytes", []byte{1}, []byte{1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := compare(tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("incomparable types fail", func(t *testing.T) {
		_, err := compare("s", int64(1))
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}

func TestConditionEval(t *testing.T) {
	rec := Record{ID: 1, Props: map[int]any{
		1: "hello world",
		2: int64(25),
	}}

	eval := func(t *testing.T, c Condition) bool {
		t.Helper()
		c.Value = normalize(c.Value)
		c.Value2 = normalize(c.Value2)
		ok, err := c.eval(rec)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpEq, Value: 25}))
	assert.False(t, eval(t, Condition{PropertyID: 2, Op: OpEq, Value: 26}))
	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpNotEq, Value: 26}))
	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpGt, Value: 24}))
	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpLt, Value: 26}))
	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpBetween, Value: 25, Value2: 30}))
	assert.False(t, eval(t, Condition{PropertyID: 2, Op: OpBetween, Value: 26, Value2: 30}))
	assert.True(t, eval(t, Condition{PropertyID: 2, Op: OpIn, Value: []int64{24, 25}}))
	assert.False(t, eval(t, Condition{PropertyID: 2, Op: OpIn, Value: []int64{24, 26}}))
	assert.True(t, eval(t, Condition{PropertyID: 1, Op: OpContains, Value: "lo wo"}))
	assert.False(t, eval(t, Condition{PropertyID: 1, Op: OpContains, Value: "xyz"}))

	t.Run("missing property never matches", func(t *testing.T) {
		assert.False(t, eval(t, Condition{PropertyID: 9, Op: OpEq, Value: 1}))
		assert.False(t, eval(t, Condition{PropertyID: 9, Op: OpNotEq, Value: 1}))
	})

	t.Run("in with a scalar value fails", func(t *testing.T) {
		c := Condition{PropertyID: 2, Op: OpIn, Value: int64(25)}
		_, err := c.eval(rec)
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "==", OpEq.String())
	assert.Equal(t, ">", OpGt.String())
	assert.Equal(t, "between", OpBetween.String())
	assert.Equal(t, "contains", OpContains.String())
}

func TestParamRefMatches(t *testing.T) {
	cond := Condition{PropertyID: 2, Alias: "minAge"}

	assert.True(t, ParamRef{Alias: "minAge"}.matches(cond))
	assert.False(t, ParamRef{Alias: "other"}.matches(cond))
	assert.True(t, ParamRef{PropertyID: 2}.matches(cond))
	// Alias wins when both are set.
	assert.False(t, ParamRef{PropertyID: 2, Alias: "other"}.matches(cond))
}
