package cache

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/modelprobe/modelprobe/internal/failure"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no record exists for a target.
var ErrNotFound = errors.New("record not found")

// Store is the durable SQLite backing of the result cache.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the cache database in dataDir and runs
// pending migrations. Pass ":memory:" for an in-memory database (tests).
// Any error here is fatal to the run.
func OpenStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "probe_cache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that haven't run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

const resultColumns = `target_id, success, latency_ms, error_kind, excerpt, observed_at, failure_count, last_failure_at, failure_history`

// Get returns the durable record for a target, or ErrNotFound.
func (s *Store) Get(targetID string) (Record, error) {
	row := s.db.QueryRow(`SELECT `+resultColumns+` FROM results WHERE target_id = ?`, targetID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// UpsertBatch writes a batch of merged records in one transaction.
func (s *Store) UpsertBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning batch write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO results (` + resultColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing batch write: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		history, err := json.Marshal(r.FailureHistory)
		if err != nil {
			return fmt.Errorf("encoding failure history for %s: %w", r.TargetID, err)
		}
		lastFailure := ""
		if !r.LastFailureAt.IsZero() {
			lastFailure = r.LastFailureAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(
			r.TargetID, boolToInt(r.Success), r.Latency.Milliseconds(),
			string(r.ErrorKind), r.Excerpt, r.ObservedAt.UTC().Format(time.RFC3339Nano),
			r.FailureCount, lastFailure, string(history),
		); err != nil {
			return fmt.Errorf("writing record for %s: %w", r.TargetID, err)
		}
	}

	return tx.Commit()
}

// Records returns every record, ordered by target ID.
func (s *Store) Records() ([]Record, error) {
	rows, err := s.db.Query(`SELECT ` + resultColumns + ` FROM results ORDER BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// PersistentFailures returns records with failure_count >= threshold,
// most-failed first.
func (s *Store) PersistentFailures(threshold int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT `+resultColumns+` FROM results
		WHERE failure_count >= ?
		ORDER BY failure_count DESC, target_id ASC`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FailedTargets returns the IDs of all targets whose last outcome failed.
func (s *Store) FailedTargets() ([]string, error) {
	rows, err := s.db.Query(`SELECT target_id FROM results WHERE success = 0 ORDER BY target_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetFailureCounts zeroes failure_count and failure_history for every
// record, leaving the latest outcome fields untouched.
func (s *Store) ResetFailureCounts() error {
	_, err := s.db.Exec(`UPDATE results SET failure_count = 0, last_failure_at = '', failure_history = '[]'`)
	return err
}

// Clear deletes every record.
func (s *Store) Clear() error {
	_, err := s.db.Exec(`DELETE FROM results`)
	return err
}

// StoreStats summarizes the durable cache contents.
type StoreStats struct {
	Total      int
	Succeeded  int
	Failed     int
	AvgLatency time.Duration
}

// Stats aggregates over all records.
func (s *Store) Stats() (StoreStats, error) {
	var st StoreStats
	var avgMs sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN success = 1 THEN latency_ms ELSE NULL END)
		FROM results`).Scan(&st.Total, &st.Succeeded, &st.Failed, &avgMs)
	if err != nil {
		return StoreStats{}, err
	}
	if avgMs.Valid {
		st.AvgLatency = time.Duration(avgMs.Float64) * time.Millisecond
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var success int
	var latencyMs int64
	var kind, observedAt, lastFailure, history string

	if err := row.Scan(&r.TargetID, &success, &latencyMs, &kind, &r.Excerpt,
		&observedAt, &r.FailureCount, &lastFailure, &history); err != nil {
		return Record{}, err
	}

	r.Success = success == 1
	r.Latency = time.Duration(latencyMs) * time.Millisecond
	r.ErrorKind = failure.Kind(kind)

	t, err := time.Parse(time.RFC3339Nano, observedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing observed_at for %s: %w", r.TargetID, err)
	}
	r.ObservedAt = t

	if lastFailure != "" {
		t, err := time.Parse(time.RFC3339Nano, lastFailure)
		if err != nil {
			return Record{}, fmt.Errorf("parsing last_failure_at for %s: %w", r.TargetID, err)
		}
		r.LastFailureAt = t
	}

	if err := json.Unmarshal([]byte(history), &r.FailureHistory); err != nil {
		return Record{}, fmt.Errorf("parsing failure history for %s: %w", r.TargetID, err)
	}
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
