package assemble

import (
	"fmt"
	"slices"
	"strings"

	"gampwise/internal/agents"
)

// GateResult is one quality gate verdict.
type GateResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// Gate checks a suite.
type Gate func(Suite) GateResult

// MinTestCases requires at least n tests.
func MinTestCases(n int) Gate {
	return func(s Suite) GateResult {
		return GateResult{
			Name:   "min_test_cases",
			Pass:   len(s.Tests) >= n,
			Detail: fmt.Sprintf("%d tests, minimum %d", len(s.Tests), n),
		}
	}
}

// RequireCategory requires the suite to carry its category.
func RequireCategory() Gate {
	return func(s Suite) GateResult {
		return GateResult{Name: "category_present", Pass: s.Category != ""}
	}
}

// RequireTraceability requires every test to trace to at least one source.
func RequireTraceability() Gate {
	return func(s Suite) GateResult {
		var untraced []string
		for _, t := range s.Tests {
			if len(t.TracesTo) == 0 {
				untraced = append(untraced, t.ID)
			}
		}
		r := GateResult{Name: "traceability", Pass: len(untraced) == 0}
		if !r.Pass {
			r.Detail = "untraced: " + strings.Join(untraced, ", ")
		}
		return r
	}
}

// PartialPolicy decides whether a partial result set is enough to build a
// suite. The decision is always explicit and carries its reason.
type PartialPolicy struct {
	// RequireAll rejects any missing capability.
	RequireAll bool
	// Required lists capabilities that must have succeeded.
	Required []agents.Capability
}

// RequireAllAgents rejects any partial set.
func RequireAllAgents() PartialPolicy { return PartialPolicy{RequireAll: true} }

// AllowPartial accepts partial sets as long as required capabilities succeeded.
func AllowPartial(required ...agents.Capability) PartialPolicy {
	return PartialPolicy{Required: required}
}

// PartialDecision is the policy verdict for one result set.
type PartialDecision struct {
	Proceed bool                `json:"proceed"`
	Missing []agents.Capability `json:"missing,omitempty"`
	Reason  string              `json:"reason"`
}

// Decide applies the policy to rs.
func (p PartialPolicy) Decide(rs agents.ResultSet) PartialDecision {
	missing := rs.Missing()
	d := PartialDecision{Missing: missing}
	switch {
	case rs.Status == agents.SetCompleteFailure:
		d.Reason = "every agent failed"
	case len(missing) == 0:
		d.Proceed, d.Reason = true, "complete context"
	case p.RequireAll:
		d.Reason = "policy requires every agent"
	default:
		for _, c := range p.Required {
			if slices.Contains(missing, c) {
				d.Reason = fmt.Sprintf("required capability %s failed", c)
				return d
			}
		}
		d.Proceed = true
		d.Reason = fmt.Sprintf("proceeding with partial context, %d of %d agents missing", len(missing), len(rs.Order))
	}
	return d
}
