package metrics

import (
	"math"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const llmLatencyFamily = namespace + "_llm_latency_seconds"

// LLMLatencySnapshot summarises successful model-call latency for reports.
type LLMLatencySnapshot struct {
	Calls int64   `json:"calls"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// SnapshotLLMLatency aggregates the latency histogram across roles, keeping
// only status="ok".
func SnapshotLLMLatency(gatherer prometheus.Gatherer) LLMLatencySnapshot {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mfs, err := gatherer.Gather()
	if err != nil {
		return LLMLatencySnapshot{}
	}

	var family *dto.MetricFamily
	for _, mf := range mfs {
		if mf != nil && mf.GetName() == llmLatencyFamily {
			family = mf
			break
		}
	}
	if family == nil {
		return LLMLatencySnapshot{}
	}

	cumulativeByUpper := map[float64]uint64{}
	var sampleCount uint64
	for _, metric := range family.Metric {
		if metric == nil || !hasLabel(metric, "status", "ok") {
			continue
		}
		h := metric.GetHistogram()
		if h == nil {
			continue
		}
		sampleCount += h.GetSampleCount()
		for _, b := range h.Bucket {
			if b == nil {
				continue
			}
			cumulativeByUpper[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if sampleCount == 0 || len(cumulativeByUpper) == 0 {
		return LLMLatencySnapshot{}
	}

	uppers := make([]float64, 0, len(cumulativeByUpper))
	for upper := range cumulativeByUpper {
		uppers = append(uppers, upper)
	}
	sort.Float64s(uppers)
	// The +Inf bucket is implicit in client_model output; add it so overflow
	// samples are accounted for.
	if !math.IsInf(uppers[len(uppers)-1], 1) {
		uppers = append(uppers, math.Inf(1))
		cumulativeByUpper[math.Inf(1)] = sampleCount
	}

	return LLMLatencySnapshot{
		Calls: int64(sampleCount),
		P50Ms: histogramQuantile(0.50, sampleCount, uppers, cumulativeByUpper) * 1000.0,
		P95Ms: histogramQuantile(0.95, sampleCount, uppers, cumulativeByUpper) * 1000.0,
	}
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.Label {
		if lp == nil {
			continue
		}
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func histogramQuantile(q float64, total uint64, uppers []float64, cumulativeByUpper map[float64]uint64) float64 {
	if total == 0 || q <= 0 {
		return 0
	}
	target := q * float64(total)
	var prevUpper, prevCum float64
	for _, upper := range uppers {
		cum := float64(cumulativeByUpper[upper])
		if cum < target {
			prevUpper = upper
			prevCum = cum
			continue
		}
		bucketCount := cum - prevCum
		if bucketCount <= 0 || upper == prevUpper {
			return upper
		}
		if math.IsInf(upper, 1) {
			return prevUpper
		}
		fraction := math.Min(math.Max((target-prevCum)/bucketCount, 0), 1)
		return prevUpper + fraction*(upper-prevUpper)
	}
	return uppers[len(uppers)-1]
}
