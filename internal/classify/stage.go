package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gampwise/internal/faults"
	"gampwise/internal/logging"
)

const stageName = "classify"

// Classification is what the external classifier returns.
type Classification struct {
	Category string                 `json:"category"`
	Scores   ConfidenceDistribution `json:"scores"`
}

// Classifier is the external classification capability. Implementations
// must return a typed error on failure, never an empty score map.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (Classification, error) {
	return f(ctx, text)
}

// Result is the stage output.
type Result struct {
	Category   string                 `json:"category"`
	Reported   string                 `json:"reported_category,omitempty"`
	Scores     ConfidenceDistribution `json:"scores"`
	Assessment Assessment             `json:"assessment"`
	Retries    int                    `json:"retries"`
}

// Ambiguous reports whether the result needs a human decision.
func (r Result) Ambiguous() bool { return r.Assessment.Ambiguous }

// AsAmbiguityError returns an ambiguity-kind fault describing r, or nil when
// the result is clear. Ambiguity is routed to consultation, not failure.
func (r Result) AsAmbiguityError() error {
	if !r.Ambiguous() {
		return nil
	}
	return faults.Newf(faults.KindAmbiguity, stageName, "no dominant category (%s, gap %.3f)",
		r.Assessment.Reason, r.Assessment.Gap).
		WithDetail("reason", r.Assessment.Reason).
		WithDetail("gap", r.Assessment.Gap)
}

// Stage calls the classifier and applies the dominance-gap policy.
type Stage struct {
	Classifier Classifier
	Thresholds Thresholds
	Rigor      RigorOrder
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// NewStage returns a Stage with default thresholds and retry policy.
func NewStage(c Classifier) *Stage {
	return &Stage{
		Classifier: c,
		Thresholds: DefaultThresholds(),
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
		Logger:     logging.New(stageName),
	}
}

// Classify runs the classifier on text. The returned category is always the
// top-ranked one; callers consult Result.Ambiguous before trusting it.
func (s *Stage) Classify(ctx context.Context, text string) (Result, error) {
	if s.Classifier == nil {
		return Result{}, faults.Invariant(stageName, "no classifier configured")
	}
	var c Classification
	retries, err := faults.WithRetry(ctx, s.Retries, s.RetryDelay, func(ctx context.Context) error {
		var callErr error
		c, callErr = callWithContext(ctx, s.Classifier, text)
		return callErr
	})
	if err != nil {
		return Result{Retries: retries}, err
	}
	if len(c.Scores) == 0 {
		return Result{Retries: retries}, faults.Newf(faults.KindTransport, stageName, "classifier returned no scores")
	}

	a, err := Assess(c.Scores, s.Thresholds)
	if err != nil {
		return Result{Retries: retries}, faults.New(faults.KindTransport, stageName, "invalid scores", err)
	}
	res := Result{
		Category:   a.Top.Category,
		Reported:   c.Category,
		Scores:     c.Scores,
		Assessment: a,
		Retries:    retries,
	}
	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "classified",
			"category", res.Category, "gap", a.Gap, "ambiguous", a.Ambiguous, "reason", a.Reason)
		if c.Category != "" && c.Category != a.Top.Category {
			s.Logger.WarnContext(ctx, "classifier label disagrees with top score",
				"reported", c.Category, "top", a.Top.Category)
		}
	}
	return res, nil
}

// ConservativeDefault returns the most rigorous of the contested candidates
// in r, the decision applied when a consultation times out.
func (s *Stage) ConservativeDefault(r Result) (string, error) {
	return s.Rigor.MostRigorous(r.Assessment.Contested(s.Thresholds))
}

// Options returns every ranked category, the choices offered to a reviewer.
func (r Result) Options() []string {
	out := make([]string, len(r.Assessment.Ranked))
	for i, s := range r.Assessment.Ranked {
		out[i] = s.Category
	}
	return out
}

// callWithContext races the classifier against ctx so a collaborator that
// ignores cancellation cannot hold the run past its deadline.
func callWithContext(ctx context.Context, c Classifier, text string) (Classification, error) {
	type outcome struct {
		c   Classification
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: faults.Newf(faults.KindInternal, stageName, "classifier panic: %v", r)}
			}
		}()
		cl, err := c.Classify(ctx, text)
		done <- outcome{c: cl, err: err}
	}()
	select {
	case o := <-done:
		var fe *faults.Error
		if o.err != nil && !errors.As(o.err, &fe) && faults.KindOf(o.err) == faults.KindInternal {
			// Unclassified collaborator errors are transport failures.
			return o.c, faults.New(faults.KindTransport, stageName, "classify", o.err)
		}
		return o.c, o.err
	case <-ctx.Done():
		return Classification{}, faults.FromContext(ctx, stageName)
	}
}

// String renders a one-line summary.
func (r Result) String() string {
	return fmt.Sprintf("%s (gap %.2f, %s)", r.Category, r.Assessment.Gap, r.Assessment.Reason)
}
