package stats

import (
	"fmt"
	"strings"

	"gampwise/internal/display"
	"gampwise/internal/format"
)

// RenderText renders the report as a sequence of tables.
func RenderText(rep Report, mode format.Mode) string {
	var sections []string

	summary := format.NewTable(mode)
	summary.Title(fmt.Sprintf("Evaluation summary (n=%d, %.0f%% intervals)", rep.N, 100*rep.Options.ConfidenceLevel))
	summary.Header("Metric", "N", "Estimate", "CI", "Method", "Note")
	summary.Row("success rate", rep.SuccessRate.N, format.FmtRate(rep.Succeeded, rep.N),
		interval(rep.SuccessRate, 3), rep.SuccessRate.Method, format.PowerMark(rep.SuccessRate.LowPower))
	summary.Row("accuracy", rep.Accuracy.N, rate(rep.Accuracy),
		interval(rep.Accuracy, 3), rep.Accuracy.Method, format.PowerMark(rep.Accuracy.LowPower))
	for _, m := range []struct {
		name string
		e    Estimate
	}{
		{"mean duration (ms)", rep.DurationMS},
		{"mean agent calls", rep.AgentCalls},
		{"mean consultations", rep.Consultations},
	} {
		summary.Row(m.name, m.e.N, value(m.e, 2), interval(m.e, 2), m.e.Method, format.PowerMark(m.e.LowPower))
	}
	summary.Footer("outcomes", rep.N,
		fmt.Sprintf("%d success, %d consultation-required, %d failed", rep.Succeeded, rep.ConsultationRequired, rep.Failed),
		"", "", "")
	sections = append(sections, summary.String())

	test := format.NewTable(mode)
	test.Title("Exact binomial test")
	test.Header("H0", "N", "Successes", "p (one-sided)", "p (two-sided)", "Reject at alpha", "Note")
	test.Row(fmt.Sprintf("rate <= %.2f", rep.Test.Target), rep.Test.N, rep.Test.Successes,
		format.FmtPValue(rep.Test.PValue), format.FmtPValue(rep.Test.PValueTwoSided),
		fmt.Sprintf("%v (%.2f)", rep.Test.RejectNull, rep.Test.Alpha), format.PowerMark(rep.Test.LowPower))
	sections = append(sections, test.String())

	strata := format.NewTable(mode)
	strata.Title("Strata")
	strata.Header("Dimension", "Key", "N", "Success", "CI", "Note")
	for _, s := range rep.Strata {
		key := s.Key
		if s.Dimension == "category" {
			key = display.CategoryWithCode(key)
		}
		strata.Row(s.Dimension, key, s.Rate.N, format.FmtRate(s.Successes, s.Rate.N), interval(s.Rate, 3), format.PowerMark(s.Rate.LowPower))
	}
	sections = append(sections, strata.String())

	variance := format.NewTable(mode)
	variance.Title("Variance decomposition of success")
	variance.Header("Dimension", "N", "Groups", "Total SS", "Between SS", "Within SS", "Eta²")
	for _, v := range rep.Variance {
		variance.Row(v.Dimension, v.N, v.Groups,
			fmt.Sprintf("%.3f", v.Total), fmt.Sprintf("%.3f", v.Between), fmt.Sprintf("%.3f", v.Within), fmt.Sprintf("%.3f", v.EtaSquared))
	}
	sections = append(sections, variance.String())

	if len(rep.FailedFolds) > 0 {
		failed := format.NewTable(mode)
		failed.Title("Failed folds")
		failed.Header("Fold", "Failed", "Stage", "Kind", "Reason", "Message")
		failed.Columns(format.ColumnConfig{Number: 6, MaxWidth: 60})
		for _, f := range rep.FailedFolds {
			for _, d := range f.Failures {
				failed.Row(f.FoldID, fmt.Sprintf("%d/%d", f.Failed, f.N), display.Stage(d.Stage), display.FailureKind(string(d.Kind)), d.Reason, format.Truncate(d.Message, 120))
			}
		}
		sections = append(sections, failed.String())
	}

	return strings.Join(sections, "\n\n") + "\n"
}

func rate(e Estimate) string {
	if e.N == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", e.Value)
}

func value(e Estimate, prec int) string {
	if e.N == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.*f", prec, e.Value)
}

func interval(e Estimate, prec int) string {
	if e.N == 0 {
		return "n/a"
	}
	return format.FmtInterval(e.CI.Lower, e.CI.Upper, prec)
}
