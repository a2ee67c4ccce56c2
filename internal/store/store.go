// Package store persists evaluations and the run records they produce.
package store

import (
	"context"
	"encoding/json"
	"time"

	"gampwise/internal/consult"
	"gampwise/internal/engine"
	"gampwise/internal/eventlog"
)

// DefaultDBPath is the default relative path for the SQLite DB.
// Open() creates the parent dir.
const DefaultDBPath = ".gampwise/gampwise.db"

// Evaluation is one k-fold evaluation. Report holds the aggregated report
// once the evaluation has finished.
type Evaluation struct {
	ID        string          `json:"id"`
	Manifest  string          `json:"manifest"`
	K         int             `json:"k"`
	Seed      uint64          `json:"seed"`
	CreatedAt time.Time       `json:"created_at"`
	Report    json.RawMessage `json:"report,omitempty"`
}

// Store is the persistence facade. Implementations are SQLite or in-memory
// and are safe for concurrent use.
type Store interface {
	// SaveEvaluation creates or updates an evaluation.
	SaveEvaluation(ctx context.Context, ev Evaluation) error
	// GetEvaluation returns nil when the evaluation does not exist.
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)
	ListEvaluations(ctx context.Context) ([]Evaluation, error)

	// SaveRecord stores rec under evaluationID together with its events and
	// consultations. Saving the same run id twice is an error.
	SaveRecord(ctx context.Context, evaluationID string, rec engine.RunRecord) error
	// ListRecords returns the evaluation's records ordered by fold then run start.
	ListRecords(ctx context.Context, evaluationID string) ([]engine.RunRecord, error)
	ListEvents(ctx context.Context, runID string) ([]eventlog.Event, error)
	ListConsultations(ctx context.Context, evaluationID string) ([]consult.Record, error)

	Close() error
}
