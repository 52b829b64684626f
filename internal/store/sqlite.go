// Package store provides storage backends for CareCall.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CareCall/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store over a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store. The DSN is a file path to the
// database file; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SavePatient inserts or replaces a patient record.
func (s *SQLiteStore) SavePatient(p models.Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal patient %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO patients (id, doc, is_active, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		p.ID, string(doc), p.Active,
	)
	if err != nil {
		slog.Error("SQLiteStore SavePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SavePatient succeeded", "patient_id", p.ID)
	return nil
}

// GetPatient returns the patient by ID, or models.ErrNotFound.
func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM patients WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient query failed", "error", err, "patient_id", id)
		return nil, fmt.Errorf("failed to query patient %s: %w", id, err)
	}
	var p models.Patient
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient %s: %w", id, err)
	}
	return &p, nil
}

// ListActivePatients returns all active patients.
func (s *SQLiteStore) ListActivePatients() ([]models.Patient, error) {
	rows, err := s.db.Query(`SELECT doc FROM patients WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		slog.Error("SQLiteStore ListActivePatients query failed", "error", err)
		return nil, fmt.Errorf("failed to query active patients: %w", err)
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan patient row: %w", err)
		}
		var p models.Patient
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal patient: %w", err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patient rows: %w", err)
	}
	slog.Debug("SQLiteStore ListActivePatients succeeded", "count", len(patients))
	return patients, nil
}

// SaveFamilyMember inserts or replaces a family member record and its
// patient links.
func (s *SQLiteStore) SaveFamilyMember(m models.FamilyMember) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal family member %s: %w", m.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO family_members (id, doc, is_active, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		m.ID, string(doc), m.Active,
	); err != nil {
		slog.Error("SQLiteStore SaveFamilyMember failed", "error", err, "member_id", m.ID)
		return fmt.Errorf("failed to save family member %s: %w", m.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM family_member_patients WHERE family_member_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to clear family member links: %w", err)
	}
	for _, pid := range m.PatientIDs {
		if _, err := tx.Exec(
			`INSERT INTO family_member_patients (family_member_id, patient_id) VALUES (?, ?)`,
			m.ID, pid,
		); err != nil {
			return fmt.Errorf("failed to link family member %s to patient %s: %w", m.ID, pid, err)
		}
	}
	return tx.Commit()
}

// ListFamilyMembers returns the active family members linked to a patient.
func (s *SQLiteStore) ListFamilyMembers(patientID string) ([]models.FamilyMember, error) {
	rows, err := s.db.Query(
		`SELECT fm.doc FROM family_members fm
		 JOIN family_member_patients fmp ON fmp.family_member_id = fm.id
		 WHERE fmp.patient_id = ? AND fm.is_active = 1 ORDER BY fm.id`,
		patientID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListFamilyMembers query failed", "error", err, "patient_id", patientID)
		return nil, fmt.Errorf("failed to query family members for %s: %w", patientID, err)
	}
	defer rows.Close()

	var members []models.FamilyMember
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan family member row: %w", err)
		}
		var m models.FamilyMember
		if err := json.Unmarshal([]byte(doc), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal family member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate family member rows: %w", err)
	}
	return members, nil
}

const sqliteAttemptColumns = `call_sid, patient_id, medication_id, scheduled_time, initiated_time,
	answered_time, ended_time, status, duration, response, voice_script, followups,
	attempt_number, max_attempts, created_at`

// CreateAttempt records a new call attempt.
func (s *SQLiteStore) CreateAttempt(a models.CallAttempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	args = append(args, attemptCreatedAt(a))
	_, err = s.db.Exec(
		`INSERT INTO call_attempts (`+sqliteAttemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateAttempt failed", "error", err, "call_sid", a.CallID)
		return fmt.Errorf("failed to insert call attempt %s: %w", a.CallID, err)
	}
	slog.Debug("SQLiteStore CreateAttempt succeeded", "call_sid", a.CallID, "attempt", a.AttemptNumber)
	return nil
}

// GetAttempt returns the attempt by call ID, or models.ErrNotFound.
func (s *SQLiteStore) GetAttempt(callID string) (*models.CallAttempt, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteAttemptColumns+` FROM call_attempts WHERE call_sid = ?`, callID,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetAttempt failed", "error", err, "call_sid", callID)
		return nil, fmt.Errorf("failed to get call attempt %s: %w", callID, err)
	}
	return &a, nil
}

// UpdateAttempt replaces an existing attempt record.
func (s *SQLiteStore) UpdateAttempt(a models.CallAttempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	// Re-order: call_sid is the WHERE argument.
	update := append(args[1:], a.CallID)
	res, err := s.db.Exec(
		`UPDATE call_attempts SET patient_id = ?, medication_id = ?, scheduled_time = ?, initiated_time = ?,
		 answered_time = ?, ended_time = ?, status = ?, duration = ?, response = ?, voice_script = ?,
		 followups = ?, attempt_number = ?, max_attempts = ? WHERE call_sid = ?`,
		update...,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateAttempt failed", "error", err, "call_sid", a.CallID)
		return fmt.Errorf("failed to update call attempt %s: %w", a.CallID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListAttempts returns a patient's attempts, newest first.
func (s *SQLiteStore) ListAttempts(patientID string, limit int) ([]models.CallAttempt, error) {
	query := `SELECT ` + sqliteAttemptColumns + ` FROM call_attempts WHERE patient_id = ? ORDER BY created_at DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryAttempts(query, args...)
}

// ListAttemptsSince returns a patient's attempts created at or after since,
// newest first.
func (s *SQLiteStore) ListAttemptsSince(patientID string, since time.Time) ([]models.CallAttempt, error) {
	return s.queryAttempts(
		`SELECT `+sqliteAttemptColumns+` FROM call_attempts WHERE patient_id = ? AND created_at >= ? ORDER BY created_at DESC`,
		patientID, since,
	)
}

// queryAttempts runs an attempt query and scans all rows.
func (s *SQLiteStore) queryAttempts(query string, args ...any) ([]models.CallAttempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore attempt query failed", "error", err)
		return nil, fmt.Errorf("failed to query call attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.CallAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call attempt rows: %w", err)
	}
	return attempts, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
