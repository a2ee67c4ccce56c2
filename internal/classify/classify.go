// Package classify runs the categorization stage: it calls the external
// classifier and decides, from the confidence distribution alone, whether the
// top category is a clear winner or the case must go to a human reviewer.
package classify

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ConfidenceDistribution maps category id to a score in [0,1]. Scores come
// from independent classifier heads and need not sum to 1.
type ConfidenceDistribution map[string]float64

// Validate checks the distribution is non-empty and in range.
func (d ConfidenceDistribution) Validate() error {
	if len(d) == 0 {
		return fmt.Errorf("classify: empty confidence distribution")
	}
	for id, s := range d {
		if id == "" {
			return fmt.Errorf("classify: empty category id")
		}
		if math.IsNaN(s) || s < 0 || s > 1 {
			return fmt.Errorf("classify: score %v for %q outside [0,1]", s, id)
		}
	}
	return nil
}

// Scored is one category with its score.
type Scored struct {
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Ranked returns the categories sorted by score descending. Equal scores are
// ordered by category id so the ranking is deterministic.
func (d ConfidenceDistribution) Ranked() []Scored {
	out := make([]Scored, 0, len(d))
	for id, s := range d {
		out = append(out, Scored{Category: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Thresholds holds the dominance-gap policy parameters.
type Thresholds struct {
	ClearGap         float64 `yaml:"clear_gap" json:"clear_gap"`
	ModerateGap      float64 `yaml:"moderate_gap" json:"moderate_gap"`
	ModerateMinScore float64 `yaml:"moderate_min_score" json:"moderate_min_score"`
	MinAbsolute      float64 `yaml:"min_absolute" json:"min_absolute"`
	TieEpsilon       float64 `yaml:"tie_epsilon" json:"tie_epsilon"`
}

// DefaultThresholds returns the empirically chosen defaults. They are
// tunable, not asserted optimal.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ClearGap:         0.20,
		ModerateGap:      0.10,
		ModerateMinScore: 0.75,
		MinAbsolute:      0.50,
		TieEpsilon:       0.01,
	}
}

// Validate checks the thresholds are internally consistent.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"clear_gap": t.ClearGap, "moderate_gap": t.ModerateGap,
		"moderate_min_score": t.ModerateMinScore, "min_absolute": t.MinAbsolute,
		"tie_epsilon": t.TieEpsilon,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("classify: threshold %s=%v outside [0,1]", name, v)
		}
	}
	if t.ModerateGap > t.ClearGap {
		return fmt.Errorf("classify: moderate_gap %v exceeds clear_gap %v", t.ModerateGap, t.ClearGap)
	}
	if t.TieEpsilon >= t.ModerateGap && t.ModerateGap > 0 {
		return fmt.Errorf("classify: tie_epsilon %v must be below moderate_gap %v", t.TieEpsilon, t.ModerateGap)
	}
	return nil
}

// Ambiguity reasons.
const (
	ReasonClearGap         = "clear_gap"
	ReasonModerateGap      = "moderate_gap"
	ReasonSingleCategory   = "single_category"
	ReasonTiedTop          = "tied_top"
	ReasonBelowMinAbsolute = "below_min_absolute"
	ReasonNarrowGap        = "narrow_gap"
)

// Assessment is the outcome of the dominance-gap test.
type Assessment struct {
	Top       Scored   `json:"top"`
	RunnerUp  *Scored  `json:"runner_up,omitempty"`
	Gap       float64  `json:"gap"`
	Ambiguous bool     `json:"ambiguous"`
	Reason    string   `json:"reason"`
	Ranked    []Scored `json:"ranked"`
}

// Contested returns the categories that compete with the top one: every
// category whose score is within the clear gap of the top score.
func (a Assessment) Contested(th Thresholds) []string {
	var out []string
	for _, s := range a.Ranked {
		if roundScore(a.Top.Score-s.Score) <= th.ClearGap {
			out = append(out, s.Category)
		}
	}
	return out
}

// Assess applies the dominance-gap policy to d.
//
//   - two or more categories within TieEpsilon of the maximum: ambiguous
//   - gap > ClearGap: clear
//   - top at or below MinAbsolute: ambiguous
//   - ModerateGap <= gap <= ClearGap and top >= ModerateMinScore: clear
//   - otherwise: ambiguous
func Assess(d ConfidenceDistribution, th Thresholds) (Assessment, error) {
	if err := d.Validate(); err != nil {
		return Assessment{}, err
	}
	ranked := d.Ranked()
	a := Assessment{Top: ranked[0], Ranked: ranked}

	if len(ranked) == 1 {
		a.Gap = roundScore(ranked[0].Score)
		if a.Top.Score <= th.MinAbsolute {
			a.Ambiguous, a.Reason = true, ReasonBelowMinAbsolute
			return a, nil
		}
		a.Reason = ReasonSingleCategory
		return a, nil
	}

	runner := ranked[1]
	a.RunnerUp = &runner
	a.Gap = roundScore(a.Top.Score - runner.Score)

	tied := 0
	for _, s := range ranked[1:] {
		if roundScore(a.Top.Score-s.Score) <= th.TieEpsilon {
			tied++
		}
	}
	switch {
	case tied > 0:
		a.Ambiguous, a.Reason = true, ReasonTiedTop
	case a.Gap > th.ClearGap:
		a.Reason = ReasonClearGap
	case a.Top.Score <= th.MinAbsolute:
		a.Ambiguous, a.Reason = true, ReasonBelowMinAbsolute
	case a.Gap >= th.ModerateGap && a.Top.Score >= th.ModerateMinScore:
		a.Reason = ReasonModerateGap
	default:
		a.Ambiguous, a.Reason = true, ReasonNarrowGap
	}
	return a, nil
}

// roundScore removes float noise so boundary values like 0.75-0.55 compare
// equal to 0.20.
func roundScore(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// RigorOrder ranks categories from least to most rigorous. When empty,
// categories are ranked by the trailing number in their id ("cat5" > "4").
type RigorOrder []string

// MostRigorous returns the most rigorous category among candidates.
func (o RigorOrder) MostRigorous(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("classify: no candidates for conservative default")
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if o.less(best, c) {
			best = c
		}
	}
	return best, nil
}

func (o RigorOrder) less(a, b string) bool {
	if len(o) > 0 {
		ia, ib := o.index(a), o.index(b)
		if ia != ib {
			return ia < ib
		}
		return a < b
	}
	na, okA := trailingNumber(a)
	nb, okB := trailingNumber(b)
	switch {
	case okA && okB && na != nb:
		return na < nb
	case okA != okB:
		return !okA
	}
	return a < b
}

func (o RigorOrder) index(c string) int {
	for i, v := range o {
		if v == c {
			return i
		}
	}
	return -1
}

func trailingNumber(s string) (int, bool) {
	end := len(s)
	start := strings.LastIndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) + 1
	if start >= end {
		return 0, false
	}
	n, err := strconv.Atoi(s[start:end])
	return n, err == nil
}
