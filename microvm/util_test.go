package microvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePorts(t *testing.T) {
	cases := []struct {
		name     string
		value    any
		defaults []int
		want     []int
	}{
		{name: "single int", value: 8080, want: []int{8080}},
		{name: "numeric string", value: "8080", want: []int{8080}},
		{name: "comma string", value: "8080,8081,8082", want: []int{8080, 8081, 8082}},
		{name: "comma string with spaces", value: "8080, 8081", want: []int{8080, 8081}},
		{name: "list of ints", value: []any{8080, 8081}, want: []int{8080, 8081}},
		{name: "mixed list", value: []any{8080, "8081", "8082,8083"}, want: []int{8080, 8081, 8082, 8083}},
		{name: "invalid entries dropped", value: []any{8080, "invalid", 8082}, want: []int{8080, 8082}},
		{name: "empty string", value: "", want: []int{}},
		{name: "garbage string", value: "not-a-port", want: []int{}},
		{name: "nil without default", value: nil, want: []int{}},
		{name: "nil with default", value: nil, defaults: []int{22}, want: []int{22}},
		{name: "unsupported type", value: struct{}{}, want: []int{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParsePorts(tc.value, tc.defaults...))
		})
	}
}

func TestParseMemorySize(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  int64
	}{
		{name: "plain int", value: 512, want: 512},
		{name: "numeric string", value: "512", want: 512},
		{name: "megabytes suffix", value: "512M", want: 512},
		{name: "mb suffix", value: "512MB", want: 512},
		{name: "gigabytes suffix", value: "1G", want: 1024},
		{name: "gb suffix", value: "2GB", want: 2048},
		{name: "fractional gigabytes", value: "1.5G", want: 1536},
		{name: "lowercase suffix", value: "1g", want: 1024},
		{name: "surrounding spaces", value: " 512M ", want: 512},
		{name: "below floor", value: 64, want: 128},
		{name: "negative clamped", value: -512, want: 128},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseMemorySize(tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseMemorySizeErrors(t *testing.T) {
	_, err := ParseMemorySize("lots")
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid memory size format")

	_, err = ParseMemorySize([]int{512})
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid memory size type")
}
