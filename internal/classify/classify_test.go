package classify_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gampwise/internal/classify"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
	"gampwise/internal/transport"
)

func TestAssess(t *testing.T) {
	th := classify.DefaultThresholds()
	tests := []struct {
		name      string
		dist      classify.ConfidenceDistribution
		top       string
		ambiguous bool
		reason    string
	}{
		{"scenario A clear winner", classify.ConfidenceDistribution{"cat3": 0.9, "cat4": 0.3, "cat5": 0.1}, "cat3", false, classify.ReasonClearGap},
		{"scenario B narrow gap", classify.ConfidenceDistribution{"cat4": 0.55, "cat5": 0.52}, "cat4", true, classify.ReasonNarrowGap},
		{"moderate gap high top", classify.ConfidenceDistribution{"3": 0.80, "4": 0.65}, "3", false, classify.ReasonModerateGap},
		{"moderate gap low top", classify.ConfidenceDistribution{"3": 0.70, "4": 0.55}, "3", true, classify.ReasonNarrowGap},
		{"exact 0.20 boundary is moderate", classify.ConfidenceDistribution{"3": 0.75, "4": 0.55}, "3", false, classify.ReasonModerateGap},
		{"exact 0.10 boundary is moderate", classify.ConfidenceDistribution{"3": 0.85, "4": 0.75}, "3", false, classify.ReasonModerateGap},
		{"exact tie", classify.ConfidenceDistribution{"4": 0.9, "5": 0.9}, "4", true, classify.ReasonTiedTop},
		{"near tie", classify.ConfidenceDistribution{"4": 0.905, "5": 0.9, "1": 0.1}, "4", true, classify.ReasonTiedTop},
		{"below minimum", classify.ConfidenceDistribution{"3": 0.45, "4": 0.30}, "3", true, classify.ReasonBelowMinAbsolute},
		{"clear gap beats minimum", classify.ConfidenceDistribution{"3": 0.45, "4": 0.10}, "3", false, classify.ReasonClearGap},
		{"single category", classify.ConfidenceDistribution{"5": 0.6}, "5", false, classify.ReasonSingleCategory},
		{"single weak category", classify.ConfidenceDistribution{"5": 0.3}, "5", true, classify.ReasonBelowMinAbsolute},
		{"single category at minimum", classify.ConfidenceDistribution{"4": 0.50}, "4", true, classify.ReasonBelowMinAbsolute},
		{"top at minimum", classify.ConfidenceDistribution{"3": 0.50, "4": 0.38}, "3", true, classify.ReasonBelowMinAbsolute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := classify.Assess(tt.dist, th)
			if err != nil {
				t.Fatal(err)
			}
			if a.Top.Category != tt.top {
				t.Errorf("top = %s, want %s", a.Top.Category, tt.top)
			}
			if a.Ambiguous != tt.ambiguous {
				t.Errorf("ambiguous = %v, want %v (gap %v)", a.Ambiguous, tt.ambiguous, a.Gap)
			}
			if a.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", a.Reason, tt.reason)
			}
		})
	}
}

func TestAssess_Invalid(t *testing.T) {
	th := classify.DefaultThresholds()
	for name, d := range map[string]classify.ConfidenceDistribution{
		"empty":    {},
		"negative": {"3": -0.1},
		"over one": {"3": 1.2},
	} {
		if _, err := classify.Assess(d, th); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// Randomized property checks over the two policy guarantees.
func TestAssess_Properties(t *testing.T) {
	th := classify.DefaultThresholds()
	rng := rand.New(rand.NewPCG(7, 11))
	ids := []string{"1", "3", "4", "5"}

	for i := 0; i < 2000; i++ {
		d := classify.ConfidenceDistribution{}
		n := 2 + rng.IntN(3)
		for _, id := range ids[:n] {
			d[id] = float64(rng.IntN(1001)) / 1000
		}
		a, err := classify.Assess(d, th)
		if err != nil {
			t.Fatal(err)
		}
		ranked := d.Ranked()
		gap := ranked[0].Score - ranked[1].Score
		if gap > th.ClearGap+1e-9 && a.Ambiguous {
			t.Fatalf("gap %.3f flagged ambiguous: %v", gap, d)
		}
		if gap <= th.TieEpsilon-1e-9 && !a.Ambiguous {
			t.Fatalf("tie within epsilon not flagged: %v", d)
		}
	}
}

func TestThresholds_Validate(t *testing.T) {
	if err := classify.DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := classify.DefaultThresholds()
	bad.ModerateGap = 0.3
	if err := bad.Validate(); err == nil {
		t.Error("moderate gap above clear gap must fail")
	}
}

func TestRigorOrder(t *testing.T) {
	got, _ := classify.RigorOrder(nil).MostRigorous([]string{"cat4", "cat5", "cat3"})
	if got != "cat5" {
		t.Errorf("default order = %s, want cat5", got)
	}
	got, _ = classify.RigorOrder{"5", "4", "3", "1"}.MostRigorous([]string{"4", "1"})
	if got != "1" {
		t.Errorf("custom order = %s, want 1", got)
	}
	if _, err := classify.RigorOrder(nil).MostRigorous(nil); err == nil {
		t.Error("empty candidates must fail")
	}
}

func newStage(c classify.Classifier) *classify.Stage {
	s := classify.NewStage(c)
	s.RetryDelay = time.Millisecond
	s.Logger = logging.Discard()
	return s
}

func TestStage_ScenarioBConservativeDefault(t *testing.T) {
	s := newStage(classify.ClassifierFunc(func(context.Context, string) (classify.Classification, error) {
		return classify.Classification{Category: "cat4", Scores: classify.ConfidenceDistribution{"cat4": 0.55, "cat5": 0.52}}, nil
	}))
	res, err := s.Classify(context.Background(), "spec")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ambiguous() {
		t.Fatal("expected ambiguous")
	}
	if !errors.Is(res.AsAmbiguityError(), faults.ErrAmbiguity) {
		t.Error("AsAmbiguityError should carry the ambiguity kind")
	}
	def, err := s.ConservativeDefault(res)
	if err != nil || def != "cat5" {
		t.Errorf("default = %q, %v; want cat5", def, err)
	}
	if diff := cmp.Diff([]string{"cat4", "cat5"}, res.Options()); diff != "" {
		t.Errorf("options mismatch:\n%s", diff)
	}
}

func TestStage_RetriesTransport(t *testing.T) {
	var calls atomic.Int32
	s := newStage(classify.ClassifierFunc(func(context.Context, string) (classify.Classification, error) {
		if calls.Add(1) < 3 {
			return classify.Classification{}, errors.New("connection reset")
		}
		return classify.Classification{Scores: classify.ConfidenceDistribution{"3": 0.9}}, nil
	}))
	res, err := s.Classify(context.Background(), "spec")
	if err != nil {
		t.Fatal(err)
	}
	if res.Retries != 2 || res.Category != "3" {
		t.Errorf("retries = %d category = %s", res.Retries, res.Category)
	}
}

func TestStage_EmptyScoresIsTransport(t *testing.T) {
	s := newStage(classify.ClassifierFunc(func(context.Context, string) (classify.Classification, error) {
		return classify.Classification{Category: "3"}, nil
	}))
	s.Retries = 0
	_, err := s.Classify(context.Background(), "spec")
	if faults.KindOf(err) != faults.KindTransport {
		t.Fatalf("kind = %q, want transport", faults.KindOf(err))
	}
}

func TestStage_SlowClassifierHonoursDeadline(t *testing.T) {
	s := newStage(classify.ClassifierFunc(func(context.Context, string) (classify.Classification, error) {
		time.Sleep(500 * time.Millisecond) // ignores ctx on purpose
		return classify.Classification{Scores: classify.ConfidenceDistribution{"3": 0.9}}, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Classify(ctx, "spec")
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("kind = %q, want timeout", faults.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("returned after %s, want near the deadline", elapsed)
	}
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"category":"cat3","scores":{"cat3":0.9,"cat4":0.3}}`))
	}))
	defer srv.Close()

	c, err := transport.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := classify.NewHTTPClassifier(c).Classify(context.Background(), "text")
	if err != nil {
		t.Fatal(err)
	}
	want := classify.Classification{Category: "cat3", Scores: classify.ConfidenceDistribution{"cat3": 0.9, "cat4": 0.3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch:\n%s", diff)
	}
}
