// Package history archives finished session reports in a local SQLite
// database so deployments can be compared across time and config changes.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/gateway-probe/internal/session"
)

// Store is the SQLite-backed run archive.
type Store struct {
	db *sqlx.DB
}

// Run is one archived session, as listed. The full report lives in its
// own column and is loaded separately by Get.
type Run struct {
	ID           string    `db:"id" json:"id"`
	GatewayURL   string    `db:"gateway_url" json:"gateway_url"`
	Model        string    `db:"model" json:"model"`
	Verdict      string    `db:"verdict" json:"verdict"`
	Passed       int       `db:"passed" json:"passed"`
	Failed       int       `db:"failed" json:"failed"`
	Inconclusive int       `db:"inconclusive" json:"inconclusive"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	FinishedAt   time.Time `db:"finished_at" json:"finished_at"`
}

// Open opens or creates the archive at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
gateway_url TEXT NOT NULL,
model TEXT NOT NULL,
verdict TEXT NOT NULL,
passed INTEGER NOT NULL DEFAULT 0,
failed INTEGER NOT NULL DEFAULT 0,
inconclusive INTEGER NOT NULL DEFAULT 0,
report TEXT NOT NULL,
started_at TIMESTAMP NOT NULL,
finished_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_gateway ON runs(gateway_url)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Save archives one report. The full document is stored as JSON next to
// the columns the list view needs.
func (s *Store) Save(ctx context.Context, rep *session.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `INSERT INTO runs (id, gateway_url, model, verdict, passed, failed, inconclusive, report, started_at, finished_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		rep.ID, rep.GatewayURL, rep.Model, rep.Verdict.String(),
		rep.Passed, rep.Failed, rep.Inconclusive,
		string(payload), rep.StartedAt, rep.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to archive run: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, gateway_url, model, verdict, passed, failed, inconclusive, started_at, finished_at
	          FROM runs ORDER BY started_at DESC LIMIT ?`

	var runs []Run
	if err := s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Get loads the full report of one archived run.
func (s *Store) Get(ctx context.Context, id string) (*session.Report, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT report FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	var rep session.Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived report: %w", err)
	}
	return &rep, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
