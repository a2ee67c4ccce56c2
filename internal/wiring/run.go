package wiring

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/adapt"
	"gampwise/internal/config"
	"gampwise/internal/corpus"
	"gampwise/internal/engine"
	"gampwise/internal/folds"
	"gampwise/internal/harness"
	"gampwise/internal/logging"
	"gampwise/internal/stats"
	"gampwise/internal/store"
)

// Result is one finished evaluation.
type Result struct {
	EvaluationID string
	Records      []engine.RunRecord
	Report       stats.Report
}

// Evaluate executes the full flow: build the engine from cfg, run every fold
// through the harness persisting each record into st, then aggregate.
// manifestPath is only recorded with the evaluation.
// Contract: a failed run is kept and counted; only a store error or a
// cancelled ctx ends the evaluation early.
func Evaluate(
	ctx context.Context,
	cfg config.Config,
	m *corpus.Manifest,
	manifestPath string,
	assignments []folds.Assignment,
	st store.Store,
	opts ...adapt.BuildOption,
) (Result, error) {
	logger := logging.New("evaluate")

	rt, err := adapt.Build(ctx, cfg, m, opts...)
	if err != nil {
		return Result{}, err
	}
	defer rt.Close()

	ev := store.Evaluation{
		ID:        uuid.NewString(),
		Manifest:  manifestPath,
		K:         len(assignments),
		Seed:      cfg.Evaluation.Stats.Seed,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.SaveEvaluation(ctx, ev); err != nil {
		return Result{}, err
	}
	logger.Info("evaluation started",
		"evaluation_id", ev.ID, "documents", len(m.Documents), "folds", ev.K, "seed", ev.Seed)

	h := harness.New(rt.Engine, m,
		harness.WithParallelism(cfg.Evaluation.Parallelism),
		harness.WithSink(st, ev.ID),
		harness.WithLogger(logging.New("harness")),
	)
	records, err := h.RunAll(ctx, assignments)
	res := Result{EvaluationID: ev.ID, Records: records}
	if err != nil {
		return res, err
	}

	res.Report, err = stats.Aggregate(records, cfg.Evaluation.Stats)
	if err != nil {
		return res, err
	}
	if ev.Report, err = json.Marshal(res.Report); err != nil {
		return res, err
	}
	if err := st.SaveEvaluation(ctx, ev); err != nil {
		return res, err
	}
	logger.Info("evaluation complete",
		"evaluation_id", ev.ID, "n", res.Report.N, "succeeded", res.Report.Succeeded,
		"failed", res.Report.Failed, "consultation_required", res.Report.ConsultationRequired)
	return res, nil
}
