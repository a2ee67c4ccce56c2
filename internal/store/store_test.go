package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"gampwise/internal/consult"
	"gampwise/internal/engine"
	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func record(runID, foldID string, offset time.Duration, status engine.Status) engine.RunRecord {
	started := t0.Add(offset)
	rec := engine.RunRecord{
		RunID:      runID,
		DocumentID: "doc-" + runID,
		FoldID:     foldID,
		Status:     status,
		FinalState: engine.StateCompleted,
		Category:   "cat4",
		StartedAt:  started,
		Duration:   1500 * time.Millisecond,
		Usage:      engine.Usage{ClassifierCalls: 1, AgentCalls: 3},
		Events: []eventlog.Event{
			{ID: uuid.New(), RunID: runID, Seq: 1, Type: eventlog.Ingested, Stage: "ingest", At: started},
			{ID: uuid.New(), RunID: runID, Seq: 2, Type: eventlog.Categorized, Stage: "classify",
				At: started.Add(time.Millisecond), Payload: map[string]any{"category": "cat4"}},
			{ID: uuid.New(), RunID: runID, Seq: 3, Type: eventlog.RunCompleted, Stage: "complete",
				At: started.Add(2 * time.Millisecond), Payload: map[string]any{"status": string(status)}},
		},
	}
	if status == engine.StatusFailed {
		rec.FinalState = engine.StateFailed
		rec.Category = ""
		rec.Failure = &engine.FailureDiagnostic{Stage: "dispatch", Kind: faults.KindTransport, Reason: "transport", Message: "all agents failed"}
	}
	return rec.WithFold(foldID, "cat4")
}

func consultation(runID string, at time.Time) consult.Record {
	return consult.Record{
		ID:          "c-" + runID,
		RunID:       runID,
		Kind:        consult.KindCategorization,
		Reason:      "ambiguous categorization",
		Options:     []string{"cat4", "cat5"},
		Default:     "cat5",
		RequestedAt: at,
		Deadline:    at.Add(time.Minute),
		ResolvedAt:  at.Add(time.Minute),
		Source:      consult.SourceTimeoutDefault,
		Decision:    "cat5",
	}
}

func implementations(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(filepath.Join(t.TempDir(), "gampwise.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemStore()}
}

func TestStore_RecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev-1", Manifest: "corpus.yaml", K: 3, Seed: 42, CreatedAt: t0}); err != nil {
				t.Fatalf("SaveEvaluation: %v", err)
			}

			withConsult := record("r2", "fold-1", time.Second, engine.StatusSuccess)
			withConsult.Consultations = []consult.Record{consultation("r2", t0.Add(time.Second))}
			saved := []engine.RunRecord{
				record("r3", "fold-2", 0, engine.StatusFailed),
				withConsult,
				record("r1", "fold-1", 0, engine.StatusSuccess),
			}
			for _, r := range saved {
				if err := s.SaveRecord(ctx, "ev-1", r); err != nil {
					t.Fatalf("SaveRecord %s: %v", r.RunID, err)
				}
			}

			got, err := s.ListRecords(ctx, "ev-1")
			if err != nil {
				t.Fatalf("ListRecords: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.RunID)
			}
			if diff := cmp.Diff([]string{"r1", "r2", "r3"}, ids); diff != "" {
				t.Fatalf("record order:\n%s", diff)
			}
			if diff := cmp.Diff(saved[1], got[1]); diff != "" {
				t.Errorf("record mismatch:\n%s", diff)
			}
			if got[2].Failure == nil || got[2].Failure.Stage != "dispatch" || got[2].Status != engine.StatusFailed {
				t.Errorf("failed record = %+v", got[2])
			}
			if got[0].Correct == nil || !*got[0].Correct {
				t.Errorf("correctness lost: %+v", got[0].Correct)
			}

			evs, err := s.ListEvents(ctx, "r2")
			if err != nil || len(evs) != 3 || evs[2].Type != eventlog.RunCompleted {
				t.Fatalf("ListEvents: %v %+v", err, evs)
			}

			cs, err := s.ListConsultations(ctx, "ev-1")
			if err != nil {
				t.Fatalf("ListConsultations: %v", err)
			}
			if diff := cmp.Diff(withConsult.Consultations, cs); diff != "" {
				t.Errorf("consultations:\n%s", diff)
			}

			if other, _ := s.ListRecords(ctx, "ev-none"); len(other) != 0 {
				t.Errorf("unknown evaluation returned %d records", len(other))
			}
		})
	}
}

func TestStore_RejectsUnknownEvaluationAndDuplicates(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			rec := record("r1", "fold-1", 0, engine.StatusSuccess)
			if err := s.SaveRecord(ctx, "missing", rec); !errors.Is(err, ErrUnknownEvaluation) {
				t.Fatalf("unknown evaluation: %v", err)
			}
			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev"}); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveRecord(ctx, "ev", rec); err != nil {
				t.Fatal(err)
			}
			if err := s.SaveRecord(ctx, "ev", rec); !errors.Is(err, ErrDuplicateRun) {
				t.Fatalf("duplicate: %v", err)
			}
			got, _ := s.ListRecords(ctx, "ev")
			if len(got) != 1 {
				t.Errorf("records = %d, want 1", len(got))
			}
		})
	}
}

func TestStore_EvaluationReport(t *testing.T) {
	ctx := context.Background()
	for name, s := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			if ev, err := s.GetEvaluation(ctx, "nope"); err != nil || ev != nil {
				t.Fatalf("GetEvaluation(missing) = %+v, %v", ev, err)
			}
			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev", K: 5, Seed: 7, CreatedAt: t0}); err != nil {
				t.Fatal(err)
			}
			report := json.RawMessage(`{"n":3}`)
			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev", K: 5, Seed: 7, CreatedAt: t0, Report: report}); err != nil {
				t.Fatal(err)
			}
			// Updating without a report keeps the stored one.
			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev", K: 5, Seed: 7, CreatedAt: t0}); err != nil {
				t.Fatal(err)
			}
			ev, err := s.GetEvaluation(ctx, "ev")
			if err != nil || ev == nil {
				t.Fatalf("GetEvaluation: %+v %v", ev, err)
			}
			if string(ev.Report) != `{"n":3}` || ev.K != 5 || ev.Seed != 7 || !ev.CreatedAt.Equal(t0) {
				t.Errorf("evaluation = %+v (report %s)", ev, ev.Report)
			}

			if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev-2", CreatedAt: t0.Add(time.Hour)}); err != nil {
				t.Fatal(err)
			}
			all, err := s.ListEvaluations(ctx)
			if err != nil || len(all) != 2 || all[0].ID != "ev-2" {
				t.Errorf("ListEvaluations = %+v, %v", all, err)
			}
		})
	}
}

func TestSqlStore_SchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gampwise.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if v, err := s.SchemaVersion(); err != nil || v != schemaVersion {
		t.Fatalf("schema version = %d, %v", v, err)
	}
	_ = s.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	if s, err := Open(path); err == nil {
		_ = s.Close()
		t.Fatal("opened a database with an unsupported schema version")
	}
}

func TestSqlStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gampwise.db")
	ctx := context.Background()
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveEvaluation(ctx, Evaluation{ID: "ev", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRecord(ctx, "ev", record("r1", "fold-1", 0, engine.StatusSuccess)); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.ListRecords(ctx, "ev")
	if err != nil || len(got) != 1 || len(got[0].Events) != 3 {
		t.Fatalf("after reopen: %+v %v", got, err)
	}
}
