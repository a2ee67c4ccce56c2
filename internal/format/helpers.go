package format

import (
	"fmt"
	"math"
	"time"
)

// FmtRate formats k of n as "k/n (p%)".
func FmtRate(k, n int) string {
	if n == 0 {
		return "0/0 (n/a)"
	}
	return fmt.Sprintf("%d/%d (%.1f%%)", k, n, 100*float64(k)/float64(n))
}

// FmtInterval formats a confidence interval with the given precision.
func FmtInterval(lo, hi float64, prec int) string {
	if math.IsNaN(lo) || math.IsNaN(hi) {
		return "n/a"
	}
	return fmt.Sprintf("[%.*f, %.*f]", prec, lo, prec, hi)
}

// FmtPValue formats a p-value, flooring tiny values.
func FmtPValue(p float64) string {
	switch {
	case math.IsNaN(p):
		return "n/a"
	case p < 0.0001:
		return "<0.0001"
	}
	return fmt.Sprintf("%.4f", p)
}

// FmtDuration formats a duration as "Xm Ys", "Ys" or, below a second, "Nms".
func FmtDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	s := int(d.Seconds())
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

// Truncate shortens s to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// PowerMark flags a statistic computed on too few samples.
func PowerMark(lowPower bool) string {
	if lowPower {
		return "low-power"
	}
	return ""
}
