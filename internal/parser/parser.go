// Package parser decodes the standard output of a benchmark client.
//
// The client prints one latency sample per line (non-negative integer microseconds), a
// separator line, and a final summary line of the form label:throughput.
package parser

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/t77yq/raftbench/internal/model"
)

// LineError identifies the line of client output that could not be parsed.
// Line numbers start at 1; zero means the output as a whole.
type LineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *LineError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%v: %s", model.ErrParse, e.Reason)
	}
	return fmt.Sprintf("%v: line %d %q: %s", model.ErrParse, e.Line, e.Text, e.Reason)
}

func (e *LineError) Unwrap() error {
	return model.ErrParse
}

// ParseReader consumes r to end-of-stream and parses it
func ParseReader(r io.Reader) (model.ClientResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.ClientResult{}, fmt.Errorf("failed to read client output: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes the complete output of one client
func Parse(output string) (model.ClientResult, error) {
	lines := strings.Split(strings.TrimRight(output, "\r\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	if len(lines) < 2 {
		return model.ClientResult{}, &LineError{
			Reason: fmt.Sprintf("expected at least 2 lines, got %d", len(lines)),
		}
	}

	summaryLine := len(lines)
	label, throughput, err := parseSummary(lines[summaryLine-1])
	if err != nil {
		return model.ClientResult{}, &LineError{Line: summaryLine, Text: lines[summaryLine-1], Reason: err.Error()}
	}

	// the second-to-last line is the separator and carries no sample
	samples := lines[:len(lines)-2]
	latencies := make([]int64, 0, len(samples))
	for i, line := range samples {
		v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			return model.ClientResult{}, &LineError{Line: i + 1, Text: line, Reason: "latency is not an integer"}
		}
		if v < 0 {
			return model.ClientResult{}, &LineError{Line: i + 1, Text: line, Reason: "latency is negative"}
		}
		latencies = append(latencies, v)
	}

	return model.ClientResult{
		Latencies:  latencies,
		Label:      label,
		Throughput: throughput,
	}, nil
}

func parseSummary(line string) (string, float64, error) {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("summary line has no ':' separator")
	}

	value := strings.TrimSpace(line[idx+1:])
	throughput, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return "", 0, fmt.Errorf("throughput %q is not a number", value)
	}
	if math.IsNaN(throughput) || math.IsInf(throughput, 0) {
		return "", 0, fmt.Errorf("throughput %q is not finite", value)
	}

	return strings.TrimSpace(line[:idx]), throughput, nil
}
