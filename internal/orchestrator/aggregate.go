package orchestrator

import (
	"github.com/montanaflynn/stats"

	"github.com/t77yq/raftbench/internal/model"
)

// Aggregate concatenates client latencies in client order and averages their throughput
func Aggregate(results []model.ClientResult) model.ExperimentResult {
	total := 0
	for _, r := range results {
		total += len(r.Latencies)
	}

	latencies := make([]int64, 0, total)
	var sum float64
	for _, r := range results {
		latencies = append(latencies, r.Latencies...)
		sum += r.Throughput
	}

	var throughput float64
	if len(results) > 0 {
		throughput = sum / float64(len(results))
	}

	return model.ExperimentResult{
		Latencies:  latencies,
		Throughput: throughput,
		Clients:    results,
		Summary:    Summarize(latencies),
	}
}

// Summarize computes descriptive statistics of latency samples
func Summarize(latencies []int64) model.LatencySummary {
	if len(latencies) == 0 {
		return model.LatencySummary{}
	}

	data := make(stats.Float64Data, len(latencies))
	for i, v := range latencies {
		data[i] = float64(v)
	}

	summary := model.LatencySummary{Count: len(latencies)}
	summary.Min, _ = stats.Min(data)
	summary.Max, _ = stats.Max(data)
	summary.Mean, _ = stats.Mean(data)
	summary.P50 = percentile(data, 50, summary.Min)
	summary.P90 = percentile(data, 90, summary.Min)
	summary.P99 = percentile(data, 99, summary.Min)
	return summary
}

// percentile falls back to fallback when the sample is too small for the rank
func percentile(data stats.Float64Data, percent, fallback float64) float64 {
	p, err := stats.Percentile(data, percent)
	if err != nil {
		return fallback
	}
	return p
}
