// Package store provides storage backends for CareCall.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CareCall/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store over a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store. The DSN is a standard
// postgres:// connection URL.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// SavePatient inserts or replaces a patient record.
func (s *PostgresStore) SavePatient(p models.Patient) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal patient %s: %w", p.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO patients (id, doc, is_active, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, is_active = EXCLUDED.is_active, updated_at = NOW()`,
		p.ID, string(doc), p.Active,
	)
	if err != nil {
		slog.Error("PostgresStore SavePatient failed", "error", err, "patient_id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SavePatient succeeded", "patient_id", p.ID)
	return nil
}

// GetPatient returns the patient by ID, or models.ErrNotFound.
func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	var doc string
	err := s.db.QueryRow(`SELECT doc FROM patients WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient query failed", "error", err, "patient_id", id)
		return nil, fmt.Errorf("failed to query patient %s: %w", id, err)
	}
	var p models.Patient
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patient %s: %w", id, err)
	}
	return &p, nil
}

// ListActivePatients returns all active patients.
func (s *PostgresStore) ListActivePatients() ([]models.Patient, error) {
	rows, err := s.db.Query(`SELECT doc FROM patients WHERE is_active ORDER BY id`)
	if err != nil {
		slog.Error("PostgresStore ListActivePatients query failed", "error", err)
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
	slog.Debug("PostgresStore ListActivePatients succeeded", "count", len(patients))
	return patients, nil
}

// SaveFamilyMember inserts or replaces a family member record and its
// patient links.
func (s *PostgresStore) SaveFamilyMember(m models.FamilyMember) error {
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
		`INSERT INTO family_members (id, doc, is_active, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, is_active = EXCLUDED.is_active, updated_at = NOW()`,
		m.ID, string(doc), m.Active,
	); err != nil {
		slog.Error("PostgresStore SaveFamilyMember failed", "error", err, "member_id", m.ID)
		return fmt.Errorf("failed to save family member %s: %w", m.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM family_member_patients WHERE family_member_id = $1`, m.ID); err != nil {
		return fmt.Errorf("failed to clear family member links: %w", err)
	}
	for _, pid := range m.PatientIDs {
		if _, err := tx.Exec(
			`INSERT INTO family_member_patients (family_member_id, patient_id) VALUES ($1, $2)`,
			m.ID, pid,
		); err != nil {
			return fmt.Errorf("failed to link family member %s to patient %s: %w", m.ID, pid, err)
		}
	}
	return tx.Commit()
}

// ListFamilyMembers returns the active family members linked to a patient.
func (s *PostgresStore) ListFamilyMembers(patientID string) ([]models.FamilyMember, error) {
	rows, err := s.db.Query(
		`SELECT fm.doc FROM family_members fm
		 JOIN family_member_patients fmp ON fmp.family_member_id = fm.id
		 WHERE fmp.patient_id = $1 AND fm.is_active ORDER BY fm.id`,
		patientID,
	)
	if err != nil {
		slog.Error("PostgresStore ListFamilyMembers query failed", "error", err, "patient_id", patientID)
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

const postgresAttemptColumns = `call_sid, patient_id, medication_id, scheduled_time, initiated_time,
	answered_time, ended_time, status, duration, response, voice_script, followups,
	attempt_number, max_attempts, created_at`

// CreateAttempt records a new call attempt.
func (s *PostgresStore) CreateAttempt(a models.CallAttempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	args = append(args, attemptCreatedAt(a))
	_, err = s.db.Exec(
		`INSERT INTO call_attempts (`+postgresAttemptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		args...,
	)
	if err != nil {
		slog.Error("PostgresStore CreateAttempt failed", "error", err, "call_sid", a.CallID)
		return fmt.Errorf("failed to insert call attempt %s: %w", a.CallID, err)
	}
	slog.Debug("PostgresStore CreateAttempt succeeded", "call_sid", a.CallID, "attempt", a.AttemptNumber)
	return nil
}

// GetAttempt returns the attempt by call ID, or models.ErrNotFound.
func (s *PostgresStore) GetAttempt(callID string) (*models.CallAttempt, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresAttemptColumns+` FROM call_attempts WHERE call_sid = $1`, callID,
	)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetAttempt failed", "error", err, "call_sid", callID)
		return nil, fmt.Errorf("failed to get call attempt %s: %w", callID, err)
	}
	return &a, nil
}

// UpdateAttempt replaces an existing attempt record.
func (s *PostgresStore) UpdateAttempt(a models.CallAttempt) error {
	args, err := attemptArgs(a)
	if err != nil {
		return err
	}
	update := append(args[1:], a.CallID)
	res, err := s.db.Exec(
		`UPDATE call_attempts SET patient_id = $1, medication_id = $2, scheduled_time = $3, initiated_time = $4,
		 answered_time = $5, ended_time = $6, status = $7, duration = $8, response = $9, voice_script = $10,
		 followups = $11, attempt_number = $12, max_attempts = $13 WHERE call_sid = $14`,
		update...,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateAttempt failed", "error", err, "call_sid", a.CallID)
		return fmt.Errorf("failed to update call attempt %s: %w", a.CallID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListAttempts returns a patient's attempts, newest first.
func (s *PostgresStore) ListAttempts(patientID string, limit int) ([]models.CallAttempt, error) {
	query := `SELECT ` + postgresAttemptColumns + ` FROM call_attempts WHERE patient_id = $1 ORDER BY created_at DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryAttempts(query, args...)
}

// ListAttemptsSince returns a patient's attempts created at or after since,
// newest first.
func (s *PostgresStore) ListAttemptsSince(patientID string, since time.Time) ([]models.CallAttempt, error) {
	return s.queryAttempts(
		`SELECT `+postgresAttemptColumns+` FROM call_attempts WHERE patient_id = $1 AND created_at >= $2 ORDER BY created_at DESC`,
		patientID, since,
	)
}

// queryAttempts runs an attempt query and scans all rows.
func (s *PostgresStore) queryAttempts(query string, args ...any) ([]models.CallAttempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore attempt query failed", "error", err)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
