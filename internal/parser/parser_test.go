package parser

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/raftbench/internal/model"
)

func TestParse(t *testing.T) {
	result, err := Parse("120\n95\n110\n---\nthroughput:833.5")
	require.NoError(t, err)

	assert.Equal(t, []int64{120, 95, 110}, result.Latencies)
	assert.Equal(t, "throughput", result.Label)
	assert.Equal(t, 833.5, result.Throughput)
}

func TestParseNoSamples(t *testing.T) {
	result, err := Parse("\nthroughput:12")
	require.NoError(t, err)

	assert.Empty(t, result.Latencies)
	assert.Equal(t, 12.0, result.Throughput)
}

func TestParseClientPrintFormat(t *testing.T) {
	// trailing newline from Println and padding after the label
	result, err := Parse("7\r\n8\r\n\r\nTHROUGHPUT:  1500.25\n")
	require.NoError(t, err)

	assert.Equal(t, []int64{7, 8}, result.Latencies)
	assert.Equal(t, "THROUGHPUT", result.Label)
	assert.InDelta(t, 1500.25, result.Throughput, 1e-9)
}

func TestParseManySamples(t *testing.T) {
	var b strings.Builder
	want := make([]int64, 0, 500)
	for i := 0; i < 500; i++ {
		want = append(want, int64(i*3))
		b.WriteString(strings.Repeat(" ", i%3) + strconv.Itoa(i*3) + "\n")
	}
	b.WriteString("\nthroughput:1.5\n")

	result, err := Parse(b.String())
	require.NoError(t, err)
	assert.Equal(t, want, result.Latencies)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		output string
		line   int
	}{
		{"empty", "", 0},
		{"single line", "throughput:5", 0},
		{"missing separator", "10\n20\nthroughput500.0", 3},
		{"bad throughput", "10\n\nthroughput:fast", 3},
		{"non-finite throughput", "10\n\nthroughput:NaN", 3},
		{"bad latency", "10\nabc\n30\n\nthroughput:1", 2},
		{"float latency", "1.5\n\nthroughput:1", 1},
		{"negative latency", "10\n-3\n\nthroughput:1", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.output)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrParse)

			var lineErr *LineError
			require.True(t, errors.As(err, &lineErr))
			assert.Equal(t, tt.line, lineErr.Line)
		})
	}
}

func TestParseReader(t *testing.T) {
	result, err := ParseReader(strings.NewReader("10\n20\n---\nthroughput:500.0"))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20}, result.Latencies)
	assert.Equal(t, 500.0, result.Throughput)
}
