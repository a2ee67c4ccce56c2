package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"gampwise/internal/adapt"
	"gampwise/internal/corpus"
	"gampwise/internal/engine"
	"gampwise/internal/logging"
)

type runFlags struct {
	manifest string
	adapter  string
	label    string
}

func newRunCmd(a *app) *cobra.Command {
	var fl runFlags
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Run the workflow on one specification and print its run record",
		Long: `Run categorizes one specification, dispatches the sub-agents and assembles
its test suite. The argument is a document id from --manifest or a path to
the specification text.

The run record is printed as JSON. The exit code is 0 only when the run
succeeded; otherwise the first fatal diagnostic is printed and the exit code
is 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOne(cmd, args[0], fl)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.manifest, "manifest", "", "Corpus manifest with stubs and knowledge passages")
	f.StringVar(&fl.adapter, "adapter", "", "Collaborator adapter (stub, http); overrides config")
	f.StringVar(&fl.label, "label", "", "Expected category of a document given by path")
	return cmd
}

func (a *app) runOne(cmd *cobra.Command, arg string, fl runFlags) error {
	ctx := cmd.Context()
	cfg := a.cfg
	if fl.adapter != "" {
		cfg.Adapter = fl.adapter
	}

	m := &corpus.Manifest{}
	if fl.manifest != "" {
		var err error
		if m, err = corpus.LoadManifest(fl.manifest); err != nil {
			return err
		}
	}
	doc, ok := m.Lookup(arg)
	if !ok {
		doc = corpus.Document{
			ID:    strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg)),
			Path:  arg,
			Label: fl.label,
		}
		var err error
		if m, err = corpus.NewManifest(append(m.Documents, doc)...); err != nil {
			return err
		}
	}

	metrics, err := a.metrics()
	if err != nil {
		return err
	}
	rt, err := adapt.Build(ctx, cfg, m,
		adapt.WithMetrics(metrics),
		adapt.WithLogger(logging.New("gampwise")),
	)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec := rt.Engine.Run(ctx, doc)
	if doc.Label != "" {
		rec = rec.WithFold("", doc.Label)
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	switch rec.Status {
	case engine.StatusSuccess:
		return nil
	case engine.StatusConsultationRequired:
		return failed("run %s: suite rejected at the quality gate, consultation required", rec.RunID)
	default:
		return failed("run %s: %s", rec.RunID, diagnostic(rec.Failure))
	}
}

// diagnostic renders a failure for the terminal.
func diagnostic(f *engine.FailureDiagnostic) string {
	if f == nil {
		return "failed without a diagnostic"
	}
	s := fmt.Sprintf("%s failure at %s: %s", f.Kind, f.Stage, f.Message)
	if len(f.Detail) > 0 {
		detail, err := json.Marshal(f.Detail)
		if err == nil {
			s += " " + string(detail)
		}
	}
	return s
}
