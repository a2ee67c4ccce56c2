package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"gampwise/internal/adapt"
	"gampwise/internal/config"
	"gampwise/internal/consult"
	"gampwise/internal/corpus"
	"gampwise/internal/folds"
	"gampwise/internal/format"
	"gampwise/internal/logging"
	"gampwise/internal/stats"
	"gampwise/internal/store"
	"gampwise/internal/telemetry"
	"gampwise/internal/wiring"
)

type evaluateFlags struct {
	manifest   string
	folds      int
	seed       uint64
	foldsFile  string
	db         string
	parallel   int
	iterations int
	format     string
}

func newEvaluateCmd(a *app) *cobra.Command {
	var fl evaluateFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Cross-validate the workflow over a labeled corpus",
		Long: `Evaluate partitions the manifest into k label-balanced folds (or reads them
from --folds-file), runs the workflow on every validation document of every
fold and reports success rates with exact binomial and bootstrap confidence
intervals.

Failed runs count against the success rate and are never dropped. The exit
code is 1 when any run failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := a.evaluationOptions(cmd, fl)
			if err != nil {
				return err
			}
			rep, err := evaluate(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := writeReport(cmd.OutOrStdout(), rep, fl.format); err != nil {
				return err
			}
			if rep.Failed > 0 {
				return failed("%d of %d runs failed; first: %s", rep.Failed, rep.N, firstFailure(rep))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.manifest, "manifest", "", "Corpus manifest (required)")
	f.IntVar(&fl.folds, "folds", 0, "Number of folds; overrides config")
	f.Uint64Var(&fl.seed, "seed", 0, "Seed for fold assignment and bootstrap; overrides config")
	f.StringVar(&fl.foldsFile, "folds-file", "", "Read fold assignments from this file instead of partitioning")
	f.StringVar(&fl.db, "db", "", "SQLite database for run records; overrides config (empty keeps records in memory)")
	f.IntVar(&fl.parallel, "parallel", 0, "Concurrent runs per fold; overrides config")
	f.IntVar(&fl.iterations, "iterations", 0, "Bootstrap iterations; overrides config")
	f.StringVar(&fl.format, "format", "text", "Report format (text, markdown, json)")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

// evaluation is everything evaluate needs, resolved from config and flags.
type evaluation struct {
	cfg          config.Config
	manifestPath string
	manifest     *corpus.Manifest
	assignments  []folds.Assignment
	channel      consult.Channel
	metrics      *telemetry.Metrics
}

func (a *app) evaluationOptions(cmd *cobra.Command, fl evaluateFlags) (evaluation, error) {
	cfg := a.cfg
	flags := cmd.Flags()
	if flags.Changed("folds") {
		cfg.Evaluation.Folds = fl.folds
	}
	if flags.Changed("seed") {
		cfg.Evaluation.Stats.Seed = fl.seed
	}
	if flags.Changed("db") {
		cfg.Store.Path = fl.db
	}
	if flags.Changed("parallel") {
		cfg.Evaluation.Parallelism = fl.parallel
	}
	if flags.Changed("iterations") {
		cfg.Evaluation.Stats.Iterations = fl.iterations
	}
	if err := cfg.Validate(); err != nil {
		return evaluation{}, err
	}
	if _, err := reportMode(fl.format); err != nil {
		return evaluation{}, err
	}

	m, err := corpus.LoadManifest(fl.manifest)
	if err != nil {
		return evaluation{}, err
	}
	var assignments []folds.Assignment
	if fl.foldsFile != "" {
		assignments, err = folds.Load(fl.foldsFile, m.Documents, cfg.Evaluation.Tolerance)
	} else {
		assignments, err = folds.Partition(m.Documents, cfg.Evaluation.Folds, folds.Options{
			Seed:      cfg.Evaluation.Stats.Seed,
			Tolerance: cfg.Evaluation.Tolerance,
		})
	}
	if err != nil {
		return evaluation{}, err
	}
	metrics, err := a.metrics()
	if err != nil {
		return evaluation{}, err
	}
	return evaluation{
		cfg:          cfg,
		manifestPath: fl.manifest,
		manifest:     m,
		assignments:  assignments,
		metrics:      metrics,
	}, nil
}

// evaluate runs every fold and aggregates the records. Records are persisted
// in SQLite when a store path is configured, in memory otherwise.
func evaluate(ctx context.Context, ev evaluation) (stats.Report, error) {
	var st store.Store = store.NewMemStore()
	if ev.cfg.Store.Path != "" {
		db, err := store.Open(ev.cfg.Store.Path)
		if err != nil {
			return stats.Report{}, err
		}
		st = db
	}
	defer st.Close()

	opts := []adapt.BuildOption{adapt.WithLogger(logging.New("gampwise")), adapt.WithMetrics(ev.metrics)}
	if ev.channel != nil {
		opts = append(opts, adapt.WithChannel(ev.channel))
	}
	res, err := wiring.Evaluate(ctx, ev.cfg, ev.manifest, ev.manifestPath, ev.assignments, st, opts...)
	if err != nil {
		return stats.Report{}, err
	}
	return res.Report, nil
}

func reportMode(name string) (format.Mode, error) {
	if name == "json" {
		return format.ASCII, nil
	}
	return format.ParseMode(name)
}

func writeReport(w io.Writer, rep stats.Report, name string) error {
	if name == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	mode, err := reportMode(name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, stats.RenderText(rep, mode))
	return err
}

// firstFailure describes the first failed run in fold order.
func firstFailure(rep stats.Report) string {
	for _, f := range rep.FailedFolds {
		if len(f.Failures) > 0 {
			d := f.Failures[0]
			return fmt.Sprintf("%s: %s", f.FoldID, diagnostic(&d))
		}
	}
	return diagnostic(nil)
}
