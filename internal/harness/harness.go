// Package harness replays the engine over the validation documents of each
// fold and keeps every record, failed or not.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gampwise/internal/corpus"
	"gampwise/internal/engine"
	"gampwise/internal/faults"
	"gampwise/internal/folds"
	"gampwise/internal/logging"
)

// Runner executes one document. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, doc corpus.Document) engine.RunRecord
}

// Sink receives each record as soon as it is produced.
type Sink interface {
	SaveRecord(ctx context.Context, evaluationID string, rec engine.RunRecord) error
}

// Harness drives a Runner over folds.
type Harness struct {
	runner       Runner
	corpus       *corpus.Manifest
	parallel     int
	sink         Sink
	evaluationID string
	clock        func() time.Time
	logger       *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithParallelism bounds concurrent runs within a fold.
func WithParallelism(n int) Option {
	return func(h *Harness) { h.parallel = n }
}

// WithSink persists records under evaluationID.
func WithSink(s Sink, evaluationID string) Option {
	return func(h *Harness) {
		h.sink = s
		h.evaluationID = evaluationID
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithClock injects the clock used for records the harness builds itself.
func WithClock(clock func() time.Time) Option {
	return func(h *Harness) { h.clock = clock }
}

// New creates a Harness over the documents of m.
func New(r Runner, m *corpus.Manifest, opts ...Option) *Harness {
	h := &Harness{runner: r, corpus: m, parallel: 1, clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.parallel < 1 {
		h.parallel = 1
	}
	if h.logger == nil {
		h.logger = logging.New("harness")
	}
	return h
}

// RunFold runs every validation document of fold and returns one record per
// document, in validation order. A document missing from the corpus yields a
// failed record; nothing is skipped. The error is non-nil only when a record
// could not be persisted.
func (h *Harness) RunFold(ctx context.Context, fold folds.Assignment) ([]engine.RunRecord, error) {
	records := make([]engine.RunRecord, len(fold.Validation))
	g := new(errgroup.Group)
	g.SetLimit(h.parallel)
	for i, id := range fold.Validation {
		g.Go(func() error {
			rec := h.runOne(ctx, fold.FoldID, id)
			records[i] = rec
			if rec.Status == engine.StatusFailed {
				h.logger.Warn("run failed",
					"fold", fold.FoldID, "document_id", id,
					"stage", rec.Failure.Stage, "kind", rec.Failure.Kind, "reason", rec.Failure.Reason)
			}
			if h.sink != nil {
				if err := h.sink.SaveRecord(ctx, h.evaluationID, rec); err != nil {
					return fmt.Errorf("harness: persist record for %s/%s: %w", fold.FoldID, id, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	s := Summarize(fold.FoldID, records)
	h.logger.Info("fold complete",
		"fold", fold.FoldID, "n", s.N, "succeeded", s.Succeeded, "failed", s.Failed,
		"consultation_required", s.ConsultationRequired, "success_rate", s.SuccessRate)
	return records, err
}

func (h *Harness) runOne(ctx context.Context, foldID, id string) engine.RunRecord {
	doc, ok := h.corpus.Lookup(id)
	if !ok {
		err := faults.Invariant("harness", "document %q is not in the corpus", id).
			WithDetail("fold_id", foldID)
		return engine.FailedRecord(uuid.NewString(), id, h.clock(), err).WithFold(foldID, "")
	}
	return h.runner.Run(ctx, doc).WithFold(foldID, doc.Label)
}

// RunAll runs the folds in order and concatenates their records. It stops
// early only on a persistence error or when ctx ends between folds; runs
// interrupted by ctx are still recorded as failed.
func (h *Harness) RunAll(ctx context.Context, assignments []folds.Assignment) ([]engine.RunRecord, error) {
	var all []engine.RunRecord
	for _, f := range assignments {
		if err := ctx.Err(); err != nil {
			return all, faults.FromContext(ctx, "harness")
		}
		recs, err := h.RunFold(ctx, f)
		all = append(all, recs...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// FoldSummary is the per-fold outcome, computed over every record.
type FoldSummary struct {
	FoldID               string                     `json:"fold_id"`
	N                    int                        `json:"n"`
	Succeeded            int                        `json:"succeeded"`
	Failed               int                        `json:"failed"`
	ConsultationRequired int                        `json:"consultation_required"`
	SuccessRate          float64                    `json:"success_rate"`
	Failures             []engine.FailureDiagnostic `json:"failures,omitempty"`
}

// Summarize computes the summary of one fold's records.
func Summarize(foldID string, records []engine.RunRecord) FoldSummary {
	s := FoldSummary{FoldID: foldID}
	for _, r := range records {
		if r.FoldID != "" && r.FoldID != foldID {
			continue
		}
		s.N++
		switch r.Status {
		case engine.StatusSuccess:
			s.Succeeded++
		case engine.StatusConsultationRequired:
			s.ConsultationRequired++
		default:
			s.Failed++
			if r.Failure != nil {
				s.Failures = append(s.Failures, *r.Failure)
			}
		}
	}
	if s.N > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.N)
	}
	return s
}

// Summaries groups records by fold, in order of first appearance.
func Summaries(records []engine.RunRecord) []FoldSummary {
	var order []string
	byFold := map[string][]engine.RunRecord{}
	for _, r := range records {
		if _, ok := byFold[r.FoldID]; !ok {
			order = append(order, r.FoldID)
		}
		byFold[r.FoldID] = append(byFold[r.FoldID], r)
	}
	out := make([]FoldSummary, len(order))
	for i, id := range order {
		out[i] = Summarize(id, byFold[id])
	}
	return out
}
