package canonical

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, `null`},
		{"bool", true, `true`},
		{"int", 42, `42`},
		{"negative", -7, `-7`},
		{"integral_float", 100.0, `100`},
		{"fractional_float", 0.5, `0.5`},
		{"string", "hello", `"hello"`},
		{"escapes", "a\"b\nc", `"a\"b\nc"`},
		{"decimal", Decimal("12.340"), `"12.340"`},
		{"list", []any{1, "two", nil}, `[1,"two",null]`},
		{"sorted_keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"nested", map[string]any{"x": map[string]any{"z": 1, "y": []any{true}}}, `{"x":{"y":[true],"z":1}}`},
		{"typed_slice", []string{"b", "a"}, `["b","a"]`},
		{"typed_map", map[string]int{"k": 3}, `{"k":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Bytes(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestBytes_Time(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	got, err := Bytes(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2026-03-01T11:30:00+00:00"`, string(got))
}

func TestBytes_RejectsNonFinite(t *testing.T) {
	for _, v := range []any{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Bytes(v)
		require.Error(t, err)
	}
	// Nested non-finite values are rejected with a path.
	_, err := Bytes(map[string]any{"outer": []any{map[string]any{"bad": math.NaN()}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outer")
}

func TestBytes_RejectsUnsupportedTypes(t *testing.T) {
	type opaque struct{ X int }
	_, err := Bytes(opaque{X: 1})
	require.Error(t, err)

	_, err = Bytes(map[int]any{1: "x"})
	require.Error(t, err)
}

func TestHash_Stable(t *testing.T) {
	v := map[string]any{"id": 1, "amount": 100, "tags": []any{"a", "b"}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"tags": []any{"a", "b"}, "amount": 100, "id": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, strings.ToLower(h1), h1)
}

func TestHash_IntAndIntegralFloatAgree(t *testing.T) {
	h1, err := Hash(map[string]any{"n": 5})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"n": 5.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestReprHash_AcceptsNonCanonical(t *testing.T) {
	h := ReprHash(map[string]any{"bad": math.NaN()})
	assert.Len(t, h, 64)
}
