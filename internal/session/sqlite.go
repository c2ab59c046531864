// Package session persists document-processing sessions in SQLite: status,
// the sanitized analysis record, extraction stats, and the question history.
package session

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding session records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "taxpilot.db")
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

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
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

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
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

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
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

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// MarkProcessing creates the session if needed and puts it into the
// processing state, clearing any previous error.
func (s *Store) MarkProcessing(id, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id, status, last_error, questions_json, created_at, updated_at)
		VALUES (?, ?, ?, '', '[]', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			status = excluded.status,
			last_error = '',
			updated_at = excluded.updated_at`,
		id, userID, StatusProcessing, now, now,
	)
	return err
}

// SaveAnalysis records a completed processing run. Only analysis fields are
// touched; the question history is left as is.
func (s *Store) SaveAnalysis(id string, u AnalysisUpdate) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE sessions SET
			status = ?,
			analysis_json = ?,
			policy_text = ?,
			payslip_text = ?,
			policy_text_length = ?,
			payslip_text_length = ?,
			chunks_processed = ?,
			model_used = ?,
			ocr_used = ?,
			last_error = '',
			updated_at = ?
		WHERE id = ?`,
		StatusCompleted, u.AnalysisJSON, u.PolicyText, u.PayslipText,
		u.PolicyTextLength, u.PayslipTextLength,
		u.ChunksProcessed, u.ModelUsed, boolToInt(u.OCRUsed), now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkError puts the session into the error state with the given message.
func (s *Store) MarkError(id, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusError, errMsg, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (Session, error) {
	var sess Session
	var ocrUsed int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, status, analysis_json, policy_text, payslip_text,
			policy_text_length, payslip_text_length,
			chunks_processed, model_used, ocr_used, last_error, questions_json, created_at, updated_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.AnalysisJSON,
		&sess.PolicyText, &sess.PayslipText,
		&sess.PolicyTextLength, &sess.PayslipTextLength, &sess.ChunksProcessed,
		&sess.ModelUsed, &ocrUsed, &sess.LastError, &sess.QuestionsJSON,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.OCRUsed = ocrUsed != 0
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// AppendQuestion appends one entry to the session's question history. The
// whole list round-trips through a transaction; the history column is a
// JSON document, not an appendable server-side array.
func (s *Store) AppendQuestion(id string, entry QuestionEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var questionsJSON string
	err = tx.QueryRow(`SELECT questions_json FROM sessions WHERE id = ?`, id).Scan(&questionsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var entries []QuestionEntry
	if questionsJSON != "" {
		if err := json.Unmarshal([]byte(questionsJSON), &entries); err != nil {
			return fmt.Errorf("decoding question history: %w", err)
		}
	}
	entries = append(entries, entry)

	updated, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding question history: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(
		`UPDATE sessions SET questions_json = ?, updated_at = ? WHERE id = ?`,
		string(updated), now, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Questions decodes the session's question history.
func (s *Store) Questions(id string) ([]QuestionEntry, error) {
	var questionsJSON string
	err := s.db.QueryRow(`SELECT questions_json FROM sessions WHERE id = ?`, id).Scan(&questionsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if questionsJSON == "" {
		return nil, nil
	}
	var entries []QuestionEntry
	if err := json.Unmarshal([]byte(questionsJSON), &entries); err != nil {
		return nil, fmt.Errorf("decoding question history: %w", err)
	}
	return entries, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
