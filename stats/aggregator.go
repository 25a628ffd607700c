package stats

import (
	"fmt"
	"sort"
	"time"
)

// Aggregator merges one CompetitionNodeResult per alive, non-failed node
// into a single CompetitionResult.
type Aggregator struct{}

// NewAggregator returns a ready-to-use Aggregator. It carries no state -
// every call to Merge is independent, the same stateless-collator shape as
// the teacher's cmn.BucketSummary.Aggregate.
func NewAggregator() *Aggregator { return &Aggregator{} }

// Merge combines nodeResults (already filtered to alive, non-failed nodes
// by the caller) into the CompetitionResult for competition name,
// computing percentiles at each of percentiles.
func (*Aggregator) Merge(name string, nodeResults []*CompetitionNodeResult, percentiles []float64) *CompetitionResult {
	res := &CompetitionResult{Name: name, NodeResults: nodeResults}
	if len(nodeResults) == 0 {
		res.Summary.PercentileValues = Percentiles(nil, percentiles)
		return res
	}

	var (
		totalTime   time.Duration
		totalQ      int64
		totalIters  int64
		warmup      time.Duration
		min, max    time.Duration
		meanSum     time.Duration
		samples     []time.Duration
	)
	min = nodeResults[0].Mean()
	for i, nr := range nodeResults {
		totalTime += nr.TotalTime
		totalQ += nr.TotalQueries
		totalIters += int64(len(nr.Iterations))
		if nr.WarmupTime > warmup {
			warmup = nr.WarmupTime
		}
		m := nr.Mean()
		meanSum += m
		if i == 0 || m < min {
			min = m
		}
		if m > max {
			max = m
		}
		samples = append(samples, nr.Samples...)
	}

	sec := totalTime.Seconds()
	var qps, msPerHit float64
	if sec > 0 {
		qps = float64(totalQ) / sec
	}
	if totalQ > 0 {
		msPerHit = float64(totalTime.Milliseconds()) / float64(totalQ)
	}

	res.Summary = Summary{
		Min:                      min,
		Mean:                     meanSum / time.Duration(len(nodeResults)),
		Max:                      max,
		TotalTime:                totalTime,
		QPS:                      qps,
		MsPerHit:                 msPerHit,
		WarmupTime:               warmup,
		TotalQueries:             totalQ,
		TotalCompletedIterations: totalIters,
		PercentileValues:         Percentiles(samples, percentiles),
	}
	return res
}

// Percentiles sorts samples once and then computes, for every p in
// percentiles, the value at rank p using linear interpolation between
// adjacent samples. Keys are formatted like "50", "99.9" so that
// JSON-encoded output is self-describing.
//
// Monotonicity - for ascending percentiles p1 < p2, the produced value at
// p1 never exceeds the one at p2 - falls out directly from computing every
// percentile against the same sorted slice via the same nondecreasing
// interpolation function.
func Percentiles(samples []time.Duration, percentiles []float64) map[string]time.Duration {
	out := make(map[string]time.Duration, len(percentiles))
	if len(samples) == 0 {
		for _, p := range percentiles {
			out[formatPercentile(p)] = 0
		}
		return out
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, p := range percentiles {
		out[formatPercentile(p)] = quantile(sorted, p)
	}
	return out
}

// quantile assumes sorted is non-empty and already ascending.
func quantile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	lov, hiv := float64(sorted[lo]), float64(sorted[hi])
	return time.Duration(lov + frac*(hiv-lov))
}

func formatPercentile(p float64) string {
	if p == float64(int64(p)) {
		return fmt.Sprintf("%d", int64(p))
	}
	return fmt.Sprintf("%g", p)
}
