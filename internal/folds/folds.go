// Package folds partitions a labeled corpus into stratified cross-validation
// folds and checks that a partition is leak-free and label-balanced.
package folds

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"gampwise/internal/corpus"
)

var (
	// ErrLeakage is returned when a document is validated twice, or appears
	// in both the train and validation sets of one fold.
	ErrLeakage = errors.New("folds: document leakage")

	// ErrCoverage is returned when a document is never validated or a fold
	// does not cover the whole corpus.
	ErrCoverage = errors.New("folds: incomplete coverage")

	// ErrImbalance is returned when a label's proportion varies across folds
	// beyond the tolerance.
	ErrImbalance = errors.New("folds: label imbalance")

	// ErrUnknownDocument is returned for an id not in the corpus.
	ErrUnknownDocument = errors.New("folds: unknown document")

	// ErrFoldCount is returned for k < 2 or k larger than the corpus.
	ErrFoldCount = errors.New("folds: invalid fold count")
)

// DefaultTolerance is the maximum coefficient of variation of a label's
// proportion across folds.
const DefaultTolerance = 0.5

// Assignment is one fold: the documents it validates on and the rest.
type Assignment struct {
	FoldID     string   `json:"fold_id" yaml:"-"`
	Train      []string `json:"train" yaml:"train"`
	Validation []string `json:"validation" yaml:"validation"`
}

// Options tunes Partition.
type Options struct {
	Seed      uint64
	Tolerance float64
}

// FoldID names the i-th fold (0-based).
func FoldID(i int) string { return fmt.Sprintf("fold-%d", i+1) }

// Partition splits docs into k folds. Documents are grouped by label,
// shuffled per label with a seeded PCG source and dealt round-robin, the
// starting fold rotating from one label to the next so fold sizes stay even.
// The result is validated before it is returned.
func Partition(docs []corpus.Document, k int, opts Options) ([]Assignment, error) {
	if k < 2 || k > len(docs) {
		return nil, fmt.Errorf("%w: k=%d for %d documents", ErrFoldCount, k, len(docs))
	}
	tol := opts.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}

	byLabel := map[string][]string{}
	for _, d := range docs {
		byLabel[d.Label] = append(byLabel[d.Label], d.ID)
	}
	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	validation := make([][]string, k)
	offset := 0
	for _, l := range labels {
		ids := slices.Clone(byLabel[l])
		sort.Strings(ids)
		rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		for i, id := range ids {
			f := (offset + i) % k
			validation[f] = append(validation[f], id)
		}
		offset += len(ids)
	}

	out := make([]Assignment, k)
	for f := range k {
		val := validation[f]
		sort.Strings(val)
		inVal := make(map[string]bool, len(val))
		for _, id := range val {
			inVal[id] = true
		}
		train := make([]string, 0, len(docs)-len(val))
		for _, d := range docs {
			if !inVal[d.ID] {
				train = append(train, d.ID)
			}
		}
		out[f] = Assignment{FoldID: FoldID(f), Train: train, Validation: val}
	}

	if err := Validate(out, docs, tol); err != nil {
		return nil, err
	}
	return out, nil
}

// LabelBalance describes how one label spreads over the folds.
type LabelBalance struct {
	Label string  `json:"label"`
	N     int     `json:"n"`
	CV    float64 `json:"cv"`
	// Checked is false when the label has fewer documents than there are
	// folds; such a label cannot appear in every fold.
	Checked bool `json:"checked"`
}

// Balance computes, per label, the coefficient of variation of the label's
// share of each fold's validation set.
func Balance(assignments []Assignment, docs []corpus.Document) []LabelBalance {
	label := make(map[string]string, len(docs))
	totals := map[string]int{}
	for _, d := range docs {
		label[d.ID] = d.Label
		totals[d.Label]++
	}
	labels := make([]string, 0, len(totals))
	for l := range totals {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	k := len(assignments)
	out := make([]LabelBalance, 0, len(labels))
	for _, l := range labels {
		b := LabelBalance{Label: l, N: totals[l], Checked: totals[l] >= k}
		shares := make([]float64, k)
		for i, a := range assignments {
			if len(a.Validation) == 0 {
				continue
			}
			n := 0
			for _, id := range a.Validation {
				if label[id] == l {
					n++
				}
			}
			shares[i] = float64(n) / float64(len(a.Validation))
		}
		b.CV = coefficientOfVariation(shares)
		out = append(out, b)
	}
	return out
}

func coefficientOfVariation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if mean == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss/float64(len(xs))) / mean
}

// Validate checks a partition against the corpus: every document validated
// exactly once, no fold mixing train and validation, each fold covering the
// corpus, and label balance within tol.
func Validate(assignments []Assignment, docs []corpus.Document, tol float64) error {
	k := len(assignments)
	if k < 2 || k > len(docs) {
		return fmt.Errorf("%w: k=%d for %d documents", ErrFoldCount, k, len(docs))
	}
	known := make(map[string]bool, len(docs))
	for _, d := range docs {
		known[d.ID] = true
	}

	validatedIn := map[string]string{}
	seenFold := map[string]bool{}
	for _, a := range assignments {
		if a.FoldID == "" || seenFold[a.FoldID] {
			return fmt.Errorf("folds: missing or duplicate fold id %q", a.FoldID)
		}
		seenFold[a.FoldID] = true

		inVal := make(map[string]bool, len(a.Validation))
		for _, id := range a.Validation {
			if !known[id] {
				return fmt.Errorf("%w: %s in validation of %s", ErrUnknownDocument, id, a.FoldID)
			}
			if prev, dup := validatedIn[id]; dup {
				return fmt.Errorf("%w: %s validated in both %s and %s", ErrLeakage, id, prev, a.FoldID)
			}
			validatedIn[id] = a.FoldID
			inVal[id] = true
		}
		inTrain := make(map[string]bool, len(a.Train))
		for _, id := range a.Train {
			if !known[id] {
				return fmt.Errorf("%w: %s in train of %s", ErrUnknownDocument, id, a.FoldID)
			}
			if inVal[id] {
				return fmt.Errorf("%w: %s in train and validation of %s", ErrLeakage, id, a.FoldID)
			}
			inTrain[id] = true
		}
		if len(inTrain)+len(inVal) != len(docs) {
			return fmt.Errorf("%w: %s covers %d of %d documents", ErrCoverage, a.FoldID, len(inTrain)+len(inVal), len(docs))
		}
	}
	for _, d := range docs {
		if _, ok := validatedIn[d.ID]; !ok {
			return fmt.Errorf("%w: %s is never validated", ErrCoverage, d.ID)
		}
	}

	for _, b := range Balance(assignments, docs) {
		if b.Checked && b.CV > tol {
			return fmt.Errorf("%w: label %q has CV %.3f across folds, tolerance %.3f", ErrImbalance, b.Label, b.CV, tol)
		}
	}
	return nil
}
