// Package stats holds the per-node and aggregated benchmark result types
// and the Aggregator that merges per-node results into one. Grounded on
// the teacher's
// stats.BaseXactStats / stats.ExtRebalanceStats shape: a small, JSON-tagged,
// mostly-numeric struct with an explicit constructor.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import "time"

// IterationStat is one complete pass through a competition's request set:
// its wall-clock duration and the number of queries it issued (==
// len(requests) * multiplier).
type IterationStat struct {
	Duration time.Duration `json:"duration"`
	Queries  int64         `json:"queries"`
}

// CompetitionNodeResult is what one executor node reports for one
// competition. Samples holds every individual request latency across
// every timed iteration (warm-up excluded), which is what the Aggregator
// concatenates for percentile computation.
type CompetitionNodeResult struct {
	NodeID          string          `json:"node_id"`
	CompetitionName string          `json:"competition_name"`
	Iterations      []IterationStat `json:"iterations"`
	Samples         []time.Duration `json:"-"` // per-request latencies, not serialized over the wire verbatim
	WarmupTime      time.Duration   `json:"warmup_time"`
	TotalTime       time.Duration   `json:"total_time"`
	TotalQueries    int64           `json:"total_queries"`
	Errors          []string        `json:"errors,omitempty"`
	Fatal           bool            `json:"fatal,omitempty"`
}

// Mean returns the per-request mean latency this node observed, 0 if it
// issued no queries (e.g. it failed before the first iteration).
func (r *CompetitionNodeResult) Mean() time.Duration {
	if r.TotalQueries == 0 {
		return 0
	}
	return r.TotalTime / time.Duration(r.TotalQueries)
}

// Summary is the aggregated statistics table for one competition.
type Summary struct {
	Min                      time.Duration            `json:"min"`
	Mean                     time.Duration            `json:"mean"`
	Max                      time.Duration            `json:"max"`
	TotalTime                time.Duration            `json:"total_time"`
	QPS                      float64                  `json:"qps"`
	MsPerHit                 float64                  `json:"ms_per_hit"`
	WarmupTime               time.Duration            `json:"warmup_time"`
	TotalQueries             int64                    `json:"total_queries"`
	TotalCompletedIterations int64                    `json:"total_completed_iterations"`
	PercentileValues         map[string]time.Duration `json:"percentile_values"`
}

// CompetitionResult is the per-competition entry of a benchmark's final
// response: the raw per-node inputs plus their aggregated Summary.
type CompetitionResult struct {
	Name        string                   `json:"name"`
	NodeResults []*CompetitionNodeResult `json:"node_results"`
	Summary     Summary                  `json:"summary"`
}

// PerNodeResults is what one executor node returns from the
// "bench/node/status" RPC: one CompetitionNodeResult per competition it
// ran, keyed by competition name.
type PerNodeResults struct {
	NodeID string                            `json:"node_id"`
	ByComp map[string]*CompetitionNodeResult `json:"by_comp"`
	Fatal  bool                              `json:"fatal,omitempty"`
	Errors []string                          `json:"errors,omitempty"`
}

// BenchmarkResult is the final, aggregated outcome of one benchmark run:
// one CompetitionResult per competition, keyed by name, produced once by
// the coordinator's onFinished/onAbort handler.
type BenchmarkResult struct {
	BenchmarkID  string                     `json:"benchmark_id"`
	Competitions map[string]*CompetitionResult `json:"competitions"`
}
