// Package storage keeps the history of assessments in a SQLite database.
//
// Every screening run appends one row per assessed record. Rows are grouped by
// run ID so a run can be reviewed or counted later, and RotateAssessments
// trims the table to the configured maximum to prevent unbounded growth.
// Pass ":memory:" as the path for a throwaway in-memory store.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/rewired-gh/cohortguard/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS assessments (
    seq               INTEGER PRIMARY KEY AUTOINCREMENT,
    id                TEXT NOT NULL UNIQUE,
    run_id            TEXT NOT NULL,
    patient           TEXT NOT NULL DEFAULT '',
    isolation_anomaly INTEGER NOT NULL DEFAULT 0,
    distance_anomaly  INTEGER NOT NULL DEFAULT 0,
    isolation_score   REAL NOT NULL,
    z_scores          TEXT NOT NULL DEFAULT '{}',
    assessed_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessments_run ON assessments(run_id);
CREATE INDEX IF NOT EXISTS idx_assessments_assessed_at ON assessments(assessed_at DESC);
`

const selectColumns = `id, run_id, patient, isolation_anomaly, distance_anomaly, isolation_score, z_scores, assessed_at`

// Storage persists assessments to SQLite
type Storage struct {
	db *sql.DB

	// Configuration
	maxAssessments int
	path           string
}

// New opens (or creates) the database at path and ensures the schema exists.
func New(maxAssessments int, path string) (*Storage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Storage{
		db:             db,
		maxAssessments: maxAssessments,
		path:           path,
	}, nil
}

// Path returns the database location
func (s *Storage) Path() string {
	return s.path
}

// SaveAssessment validates and appends an assessment
func (s *Storage) SaveAssessment(ctx context.Context, a *models.Assessment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assessment: %w", err)
	}

	zscores, err := json.Marshal(a.ZScores)
	if err != nil {
		return fmt.Errorf("failed to encode z-scores: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO assessments(id, run_id, patient, isolation_anomaly, distance_anomaly, isolation_score, z_scores, assessed_at)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		a.ID, a.RunID, a.PatientID,
		boolToInt(a.IsolationAnomaly), boolToInt(a.DistanceAnomaly),
		a.IsolationScore, string(zscores), a.AssessedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save assessment %s: %w", a.ID, err)
	}
	return nil
}

// GetAssessments returns up to limit assessments, newest first.
// A non-positive limit returns all of them.
func (s *Storage) GetAssessments(ctx context.Context, limit int) ([]models.Assessment, error) {
	query := `SELECT ` + selectColumns + ` FROM assessments ORDER BY assessed_at DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// GetRun returns every assessment of one run in the order it was saved
func (s *Storage) GetRun(ctx context.Context, runID string) ([]models.Assessment, error) {
	assessments, err := s.query(ctx,
		`SELECT `+selectColumns+` FROM assessments WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	if len(assessments) == 0 {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return assessments, nil
}

// CountAnomalies returns how many assessments of a run were flagged by
// either detector
func (s *Storage) CountAnomalies(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assessments WHERE run_id = ? AND (isolation_anomaly = 1 OR distance_anomaly = 1)`,
		runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count anomalies: %w", err)
	}
	return n, nil
}

// RotateAssessments keeps only the newest maxAssessments rows and returns how
// many were removed
func (s *Storage) RotateAssessments(ctx context.Context) (int64, error) {
	if s.maxAssessments <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM assessments WHERE seq NOT IN (
            SELECT seq FROM assessments ORDER BY assessed_at DESC, seq DESC LIMIT ?
        )`, s.maxAssessments)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate assessments: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// Close closes the underlying database
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) query(ctx context.Context, query string, args ...any) ([]models.Assessment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assessments: %w", err)
	}
	defer rows.Close()

	var result []models.Assessment
	for rows.Next() {
		var (
			a         models.Assessment
			isolation int
			distance  int
			zscores   string
			ts        int64
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.PatientID, &isolation, &distance,
			&a.IsolationScore, &zscores, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		a.IsolationAnomaly = isolation == 1
		a.DistanceAnomaly = distance == 1
		a.AssessedAt = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(zscores), &a.ZScores); err != nil {
			return nil, fmt.Errorf("failed to decode z-scores of %s: %w", a.ID, err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
