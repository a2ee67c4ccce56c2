package folds_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gampwise/internal/corpus"
	"gampwise/internal/folds"
)

func labeledCorpus(perLabel map[string]int) []corpus.Document {
	var docs []corpus.Document
	for _, label := range []string{"cat1", "cat3", "cat4", "cat5"} {
		for i := range perLabel[label] {
			docs = append(docs, corpus.Document{ID: fmt.Sprintf("%s-%02d", label, i), Label: label, Text: "x"})
		}
	}
	return docs
}

func TestPartition_Invariants(t *testing.T) {
	docs := labeledCorpus(map[string]int{"cat1": 3, "cat3": 5, "cat4": 6, "cat5": 4})
	for _, k := range []int{2, 3, 5} {
		for seed := range uint64(5) {
			t.Run(fmt.Sprintf("k=%d/seed=%d", k, seed), func(t *testing.T) {
				got, err := folds.Partition(docs, k, folds.Options{Seed: seed})
				if err != nil {
					t.Fatal(err)
				}
				if len(got) != k {
					t.Fatalf("folds = %d", len(got))
				}
				validated := map[string]int{}
				for _, a := range got {
					train := map[string]bool{}
					for _, id := range a.Train {
						train[id] = true
					}
					for _, id := range a.Validation {
						validated[id]++
						if train[id] {
							t.Errorf("%s in train and validation of %s", id, a.FoldID)
						}
					}
					if len(a.Train)+len(a.Validation) != len(docs) {
						t.Errorf("%s covers %d documents", a.FoldID, len(a.Train)+len(a.Validation))
					}
				}
				for _, d := range docs {
					if validated[d.ID] != 1 {
						t.Errorf("%s validated %d times", d.ID, validated[d.ID])
					}
				}
			})
		}
	}
}

func TestPartition_Deterministic(t *testing.T) {
	docs := labeledCorpus(map[string]int{"cat3": 6, "cat4": 6, "cat5": 6})
	a, err := folds.Partition(docs, 3, folds.Options{Seed: 42})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := folds.Partition(docs, 3, folds.Options{Seed: 42})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed, different partition:\n%s", diff)
	}
	c, _ := folds.Partition(docs, 3, folds.Options{Seed: 7})
	if cmp.Equal(a, c) {
		t.Error("different seeds produced the same partition")
	}
}

func TestPartition_Stratified(t *testing.T) {
	docs := labeledCorpus(map[string]int{"cat3": 4, "cat4": 4, "cat5": 4})
	got, err := folds.Partition(docs, 4, folds.Options{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range folds.Balance(got, docs) {
		if !b.Checked || b.CV > 1e-9 {
			t.Errorf("balance = %+v, want an exact split", b)
		}
	}
}

func TestPartition_FoldCount(t *testing.T) {
	docs := labeledCorpus(map[string]int{"cat3": 2})
	for _, k := range []int{0, 1, 3} {
		if _, err := folds.Partition(docs, k, folds.Options{}); !errors.Is(err, folds.ErrFoldCount) {
			t.Errorf("k=%d: %v", k, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	docs := []corpus.Document{{ID: "a", Label: "cat3"}, {ID: "b", Label: "cat3"}, {ID: "c", Label: "cat5"}, {ID: "d", Label: "cat5"}}
	tests := []struct {
		name string
		in   []folds.Assignment
		want error
	}{
		{
			name: "validated twice",
			in: []folds.Assignment{
				{FoldID: "fold-1", Train: []string{"c", "d"}, Validation: []string{"a", "b"}},
				{FoldID: "fold-2", Train: []string{"b", "c"}, Validation: []string{"a", "d"}},
			},
			want: folds.ErrLeakage,
		},
		{
			name: "train and validation overlap",
			in: []folds.Assignment{
				{FoldID: "fold-1", Train: []string{"a", "c", "d"}, Validation: []string{"a", "b"}},
				{FoldID: "fold-2", Train: []string{"a", "b"}, Validation: []string{"c", "d"}},
			},
			want: folds.ErrLeakage,
		},
		{
			name: "unknown document",
			in: []folds.Assignment{
				{FoldID: "fold-1", Train: []string{"c", "d"}, Validation: []string{"a", "b"}},
				{FoldID: "fold-2", Train: []string{"a", "b"}, Validation: []string{"c", "zz"}},
			},
			want: folds.ErrUnknownDocument,
		},
		{
			name: "never validated",
			in: []folds.Assignment{
				{FoldID: "fold-1", Train: []string{"c", "d"}, Validation: []string{"a", "b"}},
				{FoldID: "fold-2", Train: []string{"a", "b", "d"}, Validation: []string{"c"}},
			},
			want: folds.ErrCoverage,
		},
		{
			name: "label imbalance",
			in: []folds.Assignment{
				{FoldID: "fold-1", Train: []string{"c", "d"}, Validation: []string{"a", "b"}},
				{FoldID: "fold-2", Train: []string{"a", "b"}, Validation: []string{"c", "d"}},
			},
			want: folds.ErrImbalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := folds.Validate(tt.in, docs, folds.DefaultTolerance); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	docs := labeledCorpus(map[string]int{"cat3": 5, "cat4": 5, "cat5": 5})
	want, err := folds.Partition(docs, 5, folds.Options{Seed: 3})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "folds.yaml")
	if err := folds.Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := folds.Load(path, docs, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}
}

func TestDecode_FileOrder(t *testing.T) {
	got, err := folds.Decode([]byte(`
fold-2: {train: [a], validation: [b]}
fold-10: {train: [b], validation: [a]}
`))
	if err != nil {
		t.Fatal(err)
	}
	if got[0].FoldID != "fold-2" || got[1].FoldID != "fold-10" {
		t.Errorf("order = %s, %s", got[0].FoldID, got[1].FoldID)
	}
}
