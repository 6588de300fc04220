package audit

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  string
	}{
		{"null", nil, `null`},
		{"bool", true, `true`},
		{"string", "hello", `"hello"`},
		{"string no html escaping", "<a>&</a>", `"<a>&</a>"`},
		{"int", 42, `42`},
		{"negative int64", int64(-7), `-7`},
		{"integral float drops point", 5.0, `5`},
		{"fractional float trims zeros", 0.5, `0.5`},
		{"float keeps significant digits", 10.25, `10.25`},
		{"decimal string normalized", json.Number("1.500"), `1.5`},
		{"decimal integral normalized", json.Number("2.000"), `2`},
		{"decimal exponent expanded", json.Number("1e3"), `1000`},
		{
			"keys sorted",
			map[string]interface{}{"b": 2, "a": 1, "c": 3},
			`{"a":1,"b":2,"c":3}`,
		},
		{
			"nested normalization",
			map[string]interface{}{
				"z": []interface{}{map[string]interface{}{"y": 1.0, "x": "v"}},
				"a": nil,
			},
			`{"a":null,"z":[{"x":"v","y":1}]}`,
		},
		{
			"timestamp as utc iso8601",
			time.Date(2026, 3, 1, 13, 30, 0, 0, time.FixedZone("CET", 3600)),
			`"2026-03-01T12:30:00Z"`,
		},
		{
			"empty containers",
			map[string]interface{}{"arr": []interface{}{}, "obj": map[string]interface{}{}},
			`{"arr":[],"obj":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalize_StructNormalization(t *testing.T) {
	type payload struct {
		Name  string  `json:"name"`
		Count int     `json:"count"`
		Ratio float64 `json:"ratio"`
	}
	got, err := Canonicalize(payload{Name: "x", Count: 3, Ratio: 2.0})
	require.NoError(t, err)
	assert.Equal(t, `{"count":3,"name":"x","ratio":2}`, string(got))
}

func TestCanonicalize_RejectsNonFiniteFloats(t *testing.T) {
	for _, v := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err := Canonicalize(map[string]interface{}{"v": v})
		assert.Error(t, err)
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	// Same logical value, three encodings of numbers: must all hash-compare
	// equal after canonicalization.
	a := map[string]interface{}{"progress": 50, "job_id": int64(9)}
	b := map[string]interface{}{"job_id": 9.0, "progress": json.Number("50.0")}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalize_RoundTripStable(t *testing.T) {
	// Canonical output re-parsed and re-canonicalized must be byte-identical.
	original := map[string]interface{}{
		"params":  map[string]interface{}{"depth": 3.25, "mode": "fast"},
		"tags":    []interface{}{"a", "b"},
		"retries": 2,
	}
	first, err := Canonicalize(original)
	require.NoError(t, err)

	var reparsed interface{}
	require.NoError(t, json.Unmarshal(first, &reparsed))
	second, err := Canonicalize(reparsed)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
