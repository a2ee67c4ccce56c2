package format_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"gampwise/internal/format"
)

func TestASCII_Table(t *testing.T) {
	tb := format.NewTable(format.ASCII)
	tb.Title("Strata")
	tb.Header("Fold", "N", "Success")
	tb.Row("fold-1", 4, format.FmtRate(3, 4))
	tb.Row("fold-2", 1, format.FmtRate(0, 1))
	out := tb.String()

	for _, want := range []string{"Strata", "Fold", "fold-1", "3/4 (75.0%)", "───"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "FOLD") {
		t.Errorf("header case changed:\n%s", out)
	}
	if tb.Len() != 2 {
		t.Errorf("Len = %d", tb.Len())
	}
}

func TestMarkdown_TableWithTitleAndFooter(t *testing.T) {
	tb := format.NewTable(format.Markdown)
	tb.Title("Folds")
	tb.Header("Fold", "Failed")
	tb.Row("fold-1", 0)
	tb.Row("fold-2", 1)
	tb.Footer("TOTAL", 1)
	out := tb.String()

	if !strings.HasPrefix(out, "### Folds") {
		t.Errorf("title not rendered as heading:\n%s", out)
	}
	for _, want := range []string{"| Fold", "---", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
}

func TestColumns_RightAlign(t *testing.T) {
	tb := format.NewTable(format.ASCII)
	tb.Header("Metric", "Value")
	tb.Row("iterations", 1000)
	tb.Columns(format.ColumnConfig{Number: 2, Align: format.AlignRight})
	if out := tb.String(); !strings.Contains(out, "1000") {
		t.Errorf("expected value in output:\n%s", out)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]format.Mode{"": format.ASCII, "text": format.ASCII, "markdown": format.Markdown, "MD": format.Markdown} {
		got, err := format.ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := format.ParseMode("html"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{format.FmtRate(2, 3), "2/3 (66.7%)"},
		{format.FmtRate(0, 0), "0/0 (n/a)"},
		{format.FmtInterval(0.0943, 0.9916, 3), "[0.094, 0.992]"},
		{format.FmtInterval(math.NaN(), 1, 2), "n/a"},
		{format.FmtPValue(0.04321), "0.0432"},
		{format.FmtPValue(1e-9), "<0.0001"},
		{format.FmtDuration(250 * time.Millisecond), "250ms"},
		{format.FmtDuration(30 * time.Second), "30s"},
		{format.FmtDuration(90 * time.Second), "1m 30s"},
		{format.Truncate("hello world", 8), "hello..."},
		{format.Truncate("abcdef", 3), "abc"},
		{format.Truncate("ab", 3), "ab"},
		{format.PowerMark(true), "low-power"},
		{format.PowerMark(false), ""},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}
