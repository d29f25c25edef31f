package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/pacer/internal/calibration"
	"github.com/gateway-fm/pacer/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt field does not fail
// the whole query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode so the HTTP readers do not block the run writer.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		fingerprint TEXT PRIMARY KEY,
		spin_interval_ns INTEGER NOT NULL,
		yield_threshold_ns INTEGER NOT NULL,
		wait_threshold_ns INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		pattern TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		workers INTEGER NOT NULL,
		releases INTEGER DEFAULT 0,
		achieved_rate REAL DEFAULT 0,
		summary TEXT NOT NULL,
		config TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema shipped.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"profiles", "wait_fudge", "ALTER TABLE profiles ADD COLUMN wait_fudge REAL DEFAULT 0"},
		{"runs", "wait_stats", "ALTER TABLE runs ADD COLUMN wait_stats TEXT"},
		{"runs", "profile", "ALTER TABLE runs ADD COLUMN profile TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated first since they are interpolated into SQL.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// SaveProfile stores p under fingerprint, replacing any earlier profile.
func (s *SQLiteStorage) SaveProfile(ctx context.Context, fingerprint string, p calibration.Profile) error {
	if fingerprint == "" {
		return errors.New("fingerprint is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (fingerprint, spin_interval_ns, yield_threshold_ns, wait_threshold_ns, wait_fudge, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			spin_interval_ns = excluded.spin_interval_ns,
			yield_threshold_ns = excluded.yield_threshold_ns,
			wait_threshold_ns = excluded.wait_threshold_ns,
			wait_fudge = excluded.wait_fudge,
			updated_at = excluded.updated_at
	`, fingerprint, int64(p.SpinInterval), int64(p.YieldThreshold), int64(p.WaitThreshold),
		p.WaitFudge, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// LoadProfile returns the profile stored for fingerprint, or ErrNotFound.
func (s *SQLiteStorage) LoadProfile(ctx context.Context, fingerprint string) (calibration.Profile, error) {
	var spinNs, yieldNs, waitNs int64
	var fudge float64
	err := s.db.QueryRowContext(ctx, `
		SELECT spin_interval_ns, yield_threshold_ns, wait_threshold_ns, COALESCE(wait_fudge, 0)
		FROM profiles WHERE fingerprint = ?
	`, fingerprint).Scan(&spinNs, &yieldNs, &waitNs, &fudge)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Profile{}, ErrNotFound
	}
	if err != nil {
		return calibration.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return profileFromRow(spinNs, yieldNs, waitNs, fudge), nil
}

// ListProfiles returns every stored profile, most recently updated first.
func (s *SQLiteStorage) ListProfiles(ctx context.Context) ([]StoredProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, spin_interval_ns, yield_threshold_ns, wait_threshold_ns, COALESCE(wait_fudge, 0), updated_at
		FROM profiles
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []StoredProfile
	for rows.Next() {
		var sp StoredProfile
		var spinNs, yieldNs, waitNs int64
		var fudge float64
		if err := rows.Scan(&sp.Fingerprint, &spinNs, &yieldNs, &waitNs, &fudge, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		sp.Profile = profileFromRow(spinNs, yieldNs, waitNs, fudge)
		profiles = append(profiles, sp)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes the profile stored for fingerprint.
func (s *SQLiteStorage) DeleteProfile(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE fingerprint = ?", fingerprint)
	return err
}

// SaveRun stores a completed run. A run without an ID is given a new one.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *types.RunResult) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	profileJSON, _ := json.Marshal(run.Profile)
	var waitStats sql.NullString
	if run.WaitStats != nil {
		b, _ := json.Marshal(run.WaitStats)
		waitStats = nullString(string(b))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, started_at, completed_at, pattern, duration_ms, workers,
			releases, achieved_rate, summary, config, wait_stats, profile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt.UTC(), run.CompletedAt.UTC(), run.Pattern, run.DurationMs, run.Workers,
		run.Summary.Releases, run.Summary.AchievedRate, string(summaryJSON), string(configJSON),
		waitStats, string(profileJSON))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, pattern, duration_ms, workers,
	summary, config, wait_stats, profile`

// GetRun retrieves a single run by ID, or ErrNotFound.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*types.RunResult, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.RunResult{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*types.RunResult, error) {
	var run types.RunResult
	var summaryJSON, configJSON string
	var waitStatsJSON, profileJSON sql.NullString

	err := sc.Scan(&run.ID, &run.StartedAt, &run.CompletedAt, &run.Pattern, &run.DurationMs, &run.Workers,
		&summaryJSON, &configJSON, &waitStatsJSON, &profileJSON)
	if err != nil {
		return nil, err
	}

	unmarshalJSON(summaryJSON, &run.Summary, "summary", run.ID)
	unmarshalJSON(configJSON, &run.Config, "config", run.ID)
	if waitStatsJSON.Valid && waitStatsJSON.String != "" {
		run.WaitStats = &types.HistogramStats{}
		unmarshalJSON(waitStatsJSON.String, run.WaitStats, "wait_stats", run.ID)
	}
	if profileJSON.Valid && profileJSON.String != "" {
		unmarshalJSON(profileJSON.String, &run.Profile, "profile", run.ID)
	}

	return &run, nil
}

func durationNs(v int64) time.Duration {
	return time.Duration(v)
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
