package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gampwise/internal/corpus"
	"gampwise/internal/display"
	"gampwise/internal/folds"
	"gampwise/internal/format"
)

type foldsFlags struct {
	manifest string
	folds    int
	seed     uint64
	output   string
}

func newFoldsCmd(a *app) *cobra.Command {
	var fl foldsFlags
	cmd := &cobra.Command{
		Use:   "folds",
		Short: "Write a label-balanced k-fold assignment for a manifest",
		Long: `Folds partitions the manifest's documents into k folds with a seeded shuffle
per label and writes the assignment, so an evaluation can be replayed
on the same folds with --folds-file. A label balance table is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := a.cfg.Evaluation.Folds
			if cmd.Flags().Changed("folds") {
				k = fl.folds
			}
			seed := a.cfg.Evaluation.Stats.Seed
			if cmd.Flags().Changed("seed") {
				seed = fl.seed
			}
			m, err := corpus.LoadManifest(fl.manifest)
			if err != nil {
				return err
			}
			assignments, err := folds.Partition(m.Documents, k, folds.Options{Seed: seed, Tolerance: a.cfg.Evaluation.Tolerance})
			if err != nil {
				return err
			}
			if err := folds.Save(fl.output, assignments); err != nil {
				return err
			}

			tbl := format.NewTable(format.ASCII)
			tbl.Title(fmt.Sprintf("%d folds, seed %d", k, seed))
			tbl.Header("Label", "N", "CV", "Note")
			for _, b := range folds.Balance(assignments, m.Documents) {
				note := ""
				if !b.Checked {
					note = "fewer documents than folds, not checked"
				}
				tbl.Row(display.CategoryWithCode(b.Label), b.N, fmt.Sprintf("%.3f", b.CV), note)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tbl.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Folds: %s\n", fl.output)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.manifest, "manifest", "", "Corpus manifest (required)")
	f.IntVar(&fl.folds, "folds", 0, "Number of folds; overrides config")
	f.Uint64Var(&fl.seed, "seed", 0, "Shuffle seed; overrides config")
	f.StringVarP(&fl.output, "output", "o", "folds.yaml", "Fold file to write")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
