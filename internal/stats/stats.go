// Package stats aggregates run records into a report: exact binomial
// intervals and tests for the success rate, bootstrap intervals for cost and
// timing, per-stratum breakdowns and a variance decomposition. Every figure
// carries the sample size it was computed from.
package stats

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"gampwise/internal/engine"
	"gampwise/internal/harness"
)

// Options tunes Aggregate.
type Options struct {
	Iterations      int     `json:"iterations" yaml:"iterations"`
	Seed            uint64  `json:"seed" yaml:"seed"`
	ConfidenceLevel float64 `json:"confidence_level" yaml:"confidence_level"`
	TargetRate      float64 `json:"target_rate" yaml:"target_rate"`
	LowPowerN       int     `json:"low_power_n" yaml:"low_power_n"`
}

// DefaultOptions returns 1000 bootstrap iterations, seed 42, 95% intervals,
// a 0.80 target success rate and a low-power flag below n=5.
func DefaultOptions() Options {
	return Options{Iterations: 1000, Seed: 42, ConfidenceLevel: 0.95, TargetRate: 0.80, LowPowerN: 5}
}

// Validate rejects options that cannot produce a report.
func (o Options) Validate() error {
	switch {
	case o.Iterations < 1:
		return fmt.Errorf("stats: iterations must be positive, got %d", o.Iterations)
	case o.ConfidenceLevel <= 0 || o.ConfidenceLevel >= 1:
		return fmt.Errorf("stats: confidence level must be in (0,1), got %v", o.ConfidenceLevel)
	case o.TargetRate <= 0 || o.TargetRate >= 1:
		return fmt.Errorf("stats: target rate must be in (0,1), got %v", o.TargetRate)
	case o.LowPowerN < 1:
		return fmt.Errorf("stats: low-power threshold must be positive, got %d", o.LowPowerN)
	}
	return nil
}

// Interval is a two-sided confidence interval.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// Estimate is a point estimate with its interval and sample size. With N
// zero the value and interval are zero and carry no information.
type Estimate struct {
	N        int      `json:"n"`
	Value    float64  `json:"value"`
	CI       Interval `json:"ci"`
	Method   string   `json:"method"`
	LowPower bool     `json:"low_power"`
}

// HypothesisTest is the exact binomial test of the success rate against the
// target. H0: rate <= target; H1: rate > target.
type HypothesisTest struct {
	N         int     `json:"n"`
	Successes int     `json:"successes"`
	Target    float64 `json:"target"`
	// PValue is the one-sided p-value for H1.
	PValue float64 `json:"p_value"`
	// PValueTwoSided tests rate != target.
	PValueTwoSided float64 `json:"p_value_two_sided"`
	Alpha          float64 `json:"alpha"`
	RejectNull     bool    `json:"reject_null"`
	LowPower       bool    `json:"low_power"`
}

// Stratum is the success rate within one fold or one expected category.
type Stratum struct {
	Dimension string   `json:"dimension"`
	Key       string   `json:"key"`
	Successes int      `json:"successes"`
	Rate      Estimate `json:"rate"`
}

// VarianceDecomposition splits the variance of the per-record success
// indicator into between-group and within-group sums of squares.
type VarianceDecomposition struct {
	Dimension  string  `json:"dimension"`
	N          int     `json:"n"`
	Groups     int     `json:"groups"`
	Total      float64 `json:"total_ss"`
	Between    float64 `json:"between_ss"`
	Within     float64 `json:"within_ss"`
	EtaSquared float64 `json:"eta_squared"`
}

// Report is the aggregate of one evaluation.
type Report struct {
	Options              Options                 `json:"options"`
	N                    int                     `json:"n"`
	Succeeded            int                     `json:"succeeded"`
	Failed               int                     `json:"failed"`
	ConsultationRequired int                     `json:"consultation_required"`
	SuccessRate          Estimate                `json:"success_rate"`
	Accuracy             Estimate                `json:"accuracy"`
	Test                 HypothesisTest          `json:"test"`
	DurationMS           Estimate                `json:"duration_ms"`
	AgentCalls           Estimate                `json:"agent_calls"`
	Consultations        Estimate                `json:"consultations"`
	Folds                []harness.FoldSummary   `json:"folds"`
	FailedFolds          []harness.FoldSummary   `json:"failed_folds,omitempty"`
	Strata               []Stratum               `json:"strata"`
	Variance             []VarianceDecomposition `json:"variance"`
}

// Aggregate computes the report. The result depends only on records (in
// order) and opts, so the same inputs always give the same report.
func Aggregate(records []engine.RunRecord, opts Options) (Report, error) {
	if err := opts.Validate(); err != nil {
		return Report{}, err
	}
	rep := Report{Options: opts, N: len(records)}

	var durations, agentCalls, consultations []float64
	correct, labeled := 0, 0
	for _, r := range records {
		switch r.Status {
		case engine.StatusSuccess:
			rep.Succeeded++
		case engine.StatusConsultationRequired:
			rep.ConsultationRequired++
		default:
			rep.Failed++
		}
		if r.Correct != nil {
			labeled++
			if *r.Correct {
				correct++
			}
		}
		durations = append(durations, float64(r.Duration.Milliseconds()))
		agentCalls = append(agentCalls, float64(r.Usage.AgentCalls))
		consultations = append(consultations, float64(r.Usage.Consultations))
	}

	rep.SuccessRate = proportion(rep.Succeeded, rep.N, opts)
	rep.Accuracy = proportion(correct, labeled, opts)
	rep.Test = binomialTest(rep.Succeeded, rep.N, opts)

	// Each metric gets its own stream so adding a metric never shifts the
	// resamples of another.
	rep.DurationMS = bootstrapMean(durations, opts, 1)
	rep.AgentCalls = bootstrapMean(agentCalls, opts, 2)
	rep.Consultations = bootstrapMean(consultations, opts, 3)

	rep.Folds = harness.Summaries(records)
	for _, f := range rep.Folds {
		if f.Failed > 0 {
			rep.FailedFolds = append(rep.FailedFolds, f)
		}
	}

	byFold := groupBy(records, func(r engine.RunRecord) string { return r.FoldID })
	byCategory := groupBy(records, func(r engine.RunRecord) string {
		if r.ExpectedLabel == "" {
			return "unlabeled"
		}
		return r.ExpectedLabel
	})
	rep.Strata = append(strata("fold", byFold, opts), strata("category", byCategory, opts)...)
	rep.Variance = []VarianceDecomposition{
		decompose("fold", byFold),
		decompose("category", byCategory),
	}
	return rep, nil
}

// proportion is k/n with a Clopper-Pearson interval.
func proportion(k, n int, opts Options) Estimate {
	e := Estimate{N: n, Method: "clopper-pearson", LowPower: n < opts.LowPowerN}
	e.CI.Level = opts.ConfidenceLevel
	if n == 0 {
		return e
	}
	e.Value = float64(k) / float64(n)
	lo, hi := ClopperPearson(k, n, opts.ConfidenceLevel)
	e.CI = Interval{Lower: lo, Upper: hi, Level: opts.ConfidenceLevel}
	return e
}

// ClopperPearson returns the exact binomial interval for k successes in n.
func ClopperPearson(k, n int, level float64) (lo, hi float64) {
	alpha := 1 - level
	lo, hi = 0, 1
	if k > 0 {
		lo = distuv.Beta{Alpha: float64(k), Beta: float64(n - k + 1)}.Quantile(alpha / 2)
	}
	if k < n {
		hi = distuv.Beta{Alpha: float64(k + 1), Beta: float64(n - k)}.Quantile(1 - alpha/2)
	}
	return lo, hi
}

func binomialTest(k, n int, opts Options) HypothesisTest {
	t := HypothesisTest{
		N:         n,
		Successes: k,
		Target:    opts.TargetRate,
		Alpha:     1 - opts.ConfidenceLevel,
		LowPower:  n < opts.LowPowerN,
	}
	if n == 0 {
		// No evidence either way.
		t.PValue, t.PValueTwoSided = 1, 1
		return t
	}
	b := distuv.Binomial{N: float64(n), P: opts.TargetRate}
	// P(X >= k) under H0.
	if k == 0 {
		t.PValue = 1
	} else {
		t.PValue = clamp01(1 - b.CDF(float64(k-1)))
	}
	// Two-sided: total probability of outcomes no more likely than k.
	pk := b.Prob(float64(k))
	var two float64
	for x := 0; x <= n; x++ {
		if p := b.Prob(float64(x)); p <= pk*(1+1e-7) {
			two += p
		}
	}
	t.PValueTwoSided = clamp01(two)
	t.RejectNull = t.PValue < t.Alpha
	return t
}

// bootstrapMean resamples xs with replacement and returns the mean with a
// percentile interval. stream selects an independent PCG stream.
func bootstrapMean(xs []float64, opts Options, stream uint64) Estimate {
	e := Estimate{N: len(xs), Method: fmt.Sprintf("bootstrap-percentile(%d)", opts.Iterations), LowPower: len(xs) < opts.LowPowerN}
	e.CI.Level = opts.ConfidenceLevel
	if len(xs) == 0 {
		return e
	}
	e.Value = stat.Mean(xs, nil)

	rng := rand.New(rand.NewPCG(opts.Seed, stream))
	means := make([]float64, opts.Iterations)
	for i := range means {
		var sum float64
		for range xs {
			sum += xs[rng.IntN(len(xs))]
		}
		means[i] = sum / float64(len(xs))
	}
	sort.Float64s(means)
	alpha := 1 - opts.ConfidenceLevel
	e.CI = Interval{
		Lower: stat.Quantile(alpha/2, stat.Empirical, means, nil),
		Upper: stat.Quantile(1-alpha/2, stat.Empirical, means, nil),
		Level: opts.ConfidenceLevel,
	}
	return e
}

type group struct {
	key     string
	records []engine.RunRecord
}

// groupBy partitions records by key, groups ordered by key.
func groupBy(records []engine.RunRecord, key func(engine.RunRecord) string) []group {
	idx := map[string]int{}
	var out []group
	for _, r := range records {
		k := key(r)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, group{key: k})
		}
		out[i].records = append(out[i].records, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func strata(dim string, groups []group, opts Options) []Stratum {
	out := make([]Stratum, 0, len(groups))
	for _, g := range groups {
		k := 0
		for _, r := range g.records {
			if r.Succeeded() {
				k++
			}
		}
		out = append(out, Stratum{Dimension: dim, Key: g.key, Successes: k, Rate: proportion(k, len(g.records), opts)})
	}
	return out
}

func decompose(dim string, groups []group) VarianceDecomposition {
	v := VarianceDecomposition{Dimension: dim, Groups: len(groups)}
	var all []float64
	means := make([]float64, len(groups))
	for i, g := range groups {
		ys := indicators(g.records)
		means[i] = stat.Mean(ys, nil)
		all = append(all, ys...)
	}
	v.N = len(all)
	if v.N == 0 {
		return v
	}
	grand := stat.Mean(all, nil)
	for i, g := range groups {
		ys := indicators(g.records)
		d := means[i] - grand
		v.Between += float64(len(ys)) * d * d
		for _, y := range ys {
			v.Within += (y - means[i]) * (y - means[i])
		}
	}
	for _, y := range all {
		v.Total += (y - grand) * (y - grand)
	}
	if v.Total > 0 {
		v.EtaSquared = v.Between / v.Total
	}
	return v
}

func indicators(records []engine.RunRecord) []float64 {
	ys := make([]float64, len(records))
	for i, r := range records {
		if r.Succeeded() {
			ys[i] = 1
		}
	}
	return ys
}

func clamp01(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
