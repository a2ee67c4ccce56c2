package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/consult"
	"gampwise/internal/engine"
	"gampwise/internal/eventlog"
)

// MemStore implements Store in memory. Records are stored as encoded copies
// so callers never share slices or maps with the store.
type MemStore struct {
	mu          sync.RWMutex
	evaluations map[string]Evaluation
	records     map[string][]memRecord // evaluation id -> records
	runs        map[string]string      // run id -> evaluation id
}

type memRecord struct {
	runID   string
	foldID  string
	started time.Time
	payload []byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		evaluations: make(map[string]Evaluation),
		records:     make(map[string][]memRecord),
		runs:        make(map[string]string),
	}
}

// SaveEvaluation implements Store.
func (s *MemStore) SaveEvaluation(_ context.Context, ev Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if prev, ok := s.evaluations[ev.ID]; ok {
		ev.CreatedAt = prev.CreatedAt
		if len(ev.Report) == 0 {
			ev.Report = prev.Report
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.Report = slices.Clone(ev.Report)
	s.evaluations[ev.ID] = ev
	return nil
}

// GetEvaluation implements Store.
func (s *MemStore) GetEvaluation(_ context.Context, id string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evaluations[id]
	if !ok {
		return nil, nil
	}
	ev.Report = slices.Clone(ev.Report)
	return &ev, nil
}

// ListEvaluations implements Store, newest first.
func (s *MemStore) ListEvaluations(_ context.Context) ([]Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.evaluations))
	slices.SortFunc(out, func(a, b Evaluation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// SaveRecord implements Store.
func (s *MemStore) SaveRecord(_ context.Context, evaluationID string, rec engine.RunRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.evaluations[evaluationID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvaluation, evaluationID)
	}
	if _, ok := s.runs[rec.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	}
	s.runs[rec.RunID] = evaluationID
	s.records[evaluationID] = append(s.records[evaluationID], memRecord{
		runID: rec.RunID, foldID: rec.FoldID, started: rec.StartedAt, payload: payload,
	})
	return nil
}

func (s *MemStore) sorted(evaluationID string) []memRecord {
	recs := slices.Clone(s.records[evaluationID])
	slices.SortStableFunc(recs, func(a, b memRecord) int {
		return cmp.Or(
			cmp.Compare(a.foldID, b.foldID),
			a.started.Compare(b.started),
			cmp.Compare(a.runID, b.runID),
		)
	})
	return recs
}

func decode(m memRecord) (engine.RunRecord, error) {
	var rec engine.RunRecord
	if err := json.Unmarshal(m.payload, &rec); err != nil {
		return rec, fmt.Errorf("decode record %s: %w", m.runID, err)
	}
	return rec, nil
}

// ListRecords implements Store.
func (s *MemStore) ListRecords(_ context.Context, evaluationID string) ([]engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.RunRecord
	for _, m := range s.sorted(evaluationID) {
		rec, err := decode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListEvents implements Store.
func (s *MemStore) ListEvents(_ context.Context, runID string) ([]eventlog.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evalID, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	for _, m := range s.records[evalID] {
		if m.runID == runID {
			rec, err := decode(m)
			if err != nil {
				return nil, err
			}
			return rec.Events, nil
		}
	}
	return nil, nil
}

// ListConsultations implements Store.
func (s *MemStore) ListConsultations(_ context.Context, evaluationID string) ([]consult.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []consult.Record
	for _, m := range s.sorted(evaluationID) {
		rec, err := decode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Consultations...)
	}
	slices.SortStableFunc(out, func(a, b consult.Record) int {
		return cmp.Or(a.RequestedAt.Compare(b.RequestedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
