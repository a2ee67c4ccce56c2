package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/consult"
	"gampwise/internal/engine"
	"gampwise/internal/eventlog"

	_ "modernc.org/sqlite"
)

var (
	// ErrUnknownEvaluation is returned when a record names an evaluation
	// that was never saved.
	ErrUnknownEvaluation = errors.New("store: unknown evaluation")

	// ErrDuplicateRun is returned when a run id is saved twice.
	ErrDuplicateRun = errors.New("store: run already saved")
)

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path, creating the schema on first use.
// Creates the parent directory if it does not exist.
func Open(path string) (*SqlStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Parallel fold runs write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) ensureSchema() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableCount == 0 {
		return s.freshInstall()
	}

	v, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if v != schemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", v, schemaVersion)
	}
	return nil
}

func (s *SqlStore) freshInstall() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version(version) VALUES(?)", schemaVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// SchemaVersion reports the version recorded in the database.
func (s *SqlStore) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Close closes the database connection.
func (s *SqlStore) Close() error {
	return s.db.Close()
}

// SaveEvaluation implements Store.
func (s *SqlStore) SaveEvaluation(ctx context.Context, ev Evaluation) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var report sql.NullString
	if len(ev.Report) > 0 {
		report = sql.NullString{String: string(ev.Report), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations(id, manifest, k, seed, created_at, report)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			manifest = excluded.manifest,
			k = excluded.k,
			seed = excluded.seed,
			report = COALESCE(excluded.report, evaluations.report)`,
		ev.ID, ev.Manifest, ev.K, int64(ev.Seed), fmtTime(ev.CreatedAt), report,
	)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

// GetEvaluation implements Store.
func (s *SqlStore) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, manifest, k, seed, created_at, report FROM evaluations WHERE id = ?`, id)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return ev, nil
}

// ListEvaluations implements Store, newest first.
func (s *SqlStore) ListEvaluations(ctx context.Context) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, manifest, k, seed, created_at, report FROM evaluations ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	var out []Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(sc scanner) (*Evaluation, error) {
	var ev Evaluation
	var seed int64
	var created string
	var report sql.NullString
	if err := sc.Scan(&ev.ID, &ev.Manifest, &ev.K, &seed, &created, &report); err != nil {
		return nil, err
	}
	ev.Seed = uint64(seed)
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	ev.CreatedAt = t
	if r := nullStr(report); r != "" {
		ev.Report = json.RawMessage(r)
	}
	return &ev, nil
}

// SaveRecord implements Store. The record row, its events and its
// consultations are written in one transaction.
func (s *SqlStore) SaveRecord(ctx context.Context, evaluationID string, rec engine.RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM evaluations WHERE id = ?", evaluationID).Scan(&n); err != nil {
		return fmt.Errorf("check evaluation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEvaluation, evaluationID)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_records WHERE run_id = ?", rec.RunID).Scan(&n); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, rec.RunID)
	}

	events := rec.Events
	rec.Events = nil
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_records(run_id, evaluation_id, document_id, fold_id, status, final_state,
			category, started_at, duration_ms, payload)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, evaluationID, rec.DocumentID, rec.FoldID, string(rec.Status), string(rec.FinalState),
		rec.Category, fmtTime(rec.StartedAt), rec.Duration.Milliseconds(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	for _, e := range events {
		var p sql.NullString
		if len(e.Payload) > 0 {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("encode event %d payload: %w", e.Seq, err)
			}
			p = sql.NullString{String: string(b), Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events(id, run_id, seq, type, stage, at, payload) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), rec.RunID, int64(e.Seq), string(e.Type), e.Stage, fmtTime(e.At), p,
		)
		if err != nil {
			return fmt.Errorf("insert event %d: %w", e.Seq, err)
		}
	}

	for _, c := range rec.Consultations {
		opts, err := json.Marshal(c.Options)
		if err != nil {
			return fmt.Errorf("encode consultation options: %w", err)
		}
		var resolved sql.NullString
		if !c.ResolvedAt.IsZero() {
			resolved = sql.NullString{String: fmtTime(c.ResolvedAt), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO consultations(id, run_id, kind, reason, options, default_value, requested_at,
				deadline, resolved_at, source, decision, responder, note)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, rec.RunID, string(c.Kind), c.Reason, string(opts), c.Default, fmtTime(c.RequestedAt),
			fmtTime(c.Deadline), resolved, string(c.Source), c.Decision, c.Responder, c.Note,
		)
		if err != nil {
			return fmt.Errorf("insert consultation %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record tx: %w", err)
	}
	return nil
}

// ListRecords implements Store.
func (s *SqlStore) ListRecords(ctx context.Context, evaluationID string) ([]engine.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM run_records WHERE evaluation_id = ? ORDER BY fold_id, started_at, run_id`,
		evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var out []engine.RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec engine.RunRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Events are read after the record cursor is closed; the pool holds one connection.
	for i := range out {
		evs, err := s.ListEvents(ctx, out[i].RunID)
		if err != nil {
			return nil, err
		}
		out[i].Events = evs
	}
	return out, nil
}

// ListEvents implements Store.
func (s *SqlStore) ListEvents(ctx context.Context, runID string) ([]eventlog.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, type, stage, at, payload FROM events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []eventlog.Event
	for rows.Next() {
		var (
			id, typ, stage, at string
			seq                int64
			payload            sql.NullString
		)
		if err := rows.Scan(&id, &seq, &typ, &stage, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e := eventlog.Event{RunID: runID, Seq: uint64(seq), Type: eventlog.Type(typ), Stage: stage}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event id: %w", err)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("event time: %w", err)
		}
		if p := nullStr(payload); p != "" {
			if err := json.Unmarshal([]byte(p), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListConsultations implements Store.
func (s *SqlStore) ListConsultations(ctx context.Context, evaluationID string) ([]consult.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.run_id, c.kind, c.reason, c.options, c.default_value, c.requested_at,
			c.deadline, c.resolved_at, c.source, c.decision, c.responder, c.note
		 FROM consultations c
		 JOIN run_records r ON r.run_id = c.run_id
		 WHERE r.evaluation_id = ?
		 ORDER BY c.requested_at, c.id`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()
	var out []consult.Record
	for rows.Next() {
		var (
			c                   consult.Record
			kind, opts, src     string
			requested, deadline string
			resolved            sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.RunID, &kind, &c.Reason, &opts, &c.Default, &requested,
			&deadline, &resolved, &src, &c.Decision, &c.Responder, &c.Note); err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		c.Kind, c.Source = consult.Kind(kind), consult.Source(src)
		if err := json.Unmarshal([]byte(opts), &c.Options); err != nil {
			return nil, fmt.Errorf("decode consultation options: %w", err)
		}
		if c.RequestedAt, err = parseTime(requested); err != nil {
			return nil, err
		}
		if c.Deadline, err = parseTime(deadline); err != nil {
			return nil, err
		}
		if c.ResolvedAt, err = parseTime(nullStr(resolved)); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
