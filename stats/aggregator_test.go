package stats_test

import (
	"strconv"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mute/escoord/stats"
)

func TestStats(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stats suite")
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

var _ = Describe("Percentiles", func() {
	It("returns the only sample for every percentile when there is one sample", func() {
		out := stats.Percentiles([]time.Duration{ms(5)}, []float64{10, 50, 99})
		for _, v := range out {
			Expect(v).To(Equal(ms(5)))
		}
	})

	It("is monotonic across ascending percentile keys", func() {
		samples := []time.Duration{ms(1), ms(2), ms(3), ms(4), ms(5), ms(10), ms(50), ms(100)}
		ps := []float64{10, 25, 50, 75, 90, 99}
		out := stats.Percentiles(samples, ps)
		var prev time.Duration = -1
		for _, p := range ps {
			v := out[formatKey(p)]
			Expect(v >= prev).To(BeTrue(), "percentile %v produced a smaller value than a lower percentile", p)
			prev = v
		}
	})

	It("clamps p<=0 to the minimum and p>=100 to the maximum", func() {
		samples := []time.Duration{ms(1), ms(2), ms(3)}
		out := stats.Percentiles(samples, []float64{0, 100})
		Expect(out["0"]).To(Equal(ms(1)))
		Expect(out["100"]).To(Equal(ms(3)))
	})

	It("returns zero values for every percentile when there are no samples", func() {
		out := stats.Percentiles(nil, []float64{50, 99})
		Expect(out["50"]).To(Equal(time.Duration(0)))
		Expect(out["99"]).To(Equal(time.Duration(0)))
	})
})

func formatKey(p float64) string {
	return strconv.FormatInt(int64(p), 10)
}

var _ = Describe("Aggregator.Merge", func() {
	agg := stats.NewAggregator()

	It("sums total time and queries across nodes while averaging per-node means", func() {
		a := &stats.CompetitionNodeResult{NodeID: "a", TotalTime: ms(100), TotalQueries: 10, Samples: []time.Duration{ms(5), ms(15)}}
		b := &stats.CompetitionNodeResult{NodeID: "b", TotalTime: ms(200), TotalQueries: 20, Samples: []time.Duration{ms(10), ms(10)}}

		res := agg.Merge("comp-1", []*stats.CompetitionNodeResult{a, b}, []float64{50})
		Expect(res.Summary.TotalTime).To(Equal(ms(300)))
		Expect(res.Summary.TotalQueries).To(Equal(int64(30)))
		Expect(res.Summary.Mean).To(Equal((a.Mean() + b.Mean()) / 2))
		Expect(res.Summary.Min).To(Equal(a.Mean()))
		Expect(res.Summary.Max).To(Equal(b.Mean()))
	})

	It("returns an empty-but-valid summary for zero node results", func() {
		res := agg.Merge("comp-empty", nil, []float64{50, 90})
		Expect(res.NodeResults).To(BeEmpty())
		Expect(res.Summary.PercentileValues).To(HaveKey("50"))
	})
})
