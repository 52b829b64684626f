// Package store provides storage backends for CareCall.
//
// It defines the Store interface over patients, family members, and call
// attempts, with in-memory, SQLite, and PostgreSQL implementations. Call
// attempt records are append-only history for adherence reporting.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// Store is the persistence capability consumed by the orchestration core.
type Store interface {
	// SavePatient inserts or replaces a patient record.
	SavePatient(p models.Patient) error
	// GetPatient returns the patient by ID, or models.ErrNotFound.
	GetPatient(id string) (*models.Patient, error)
	// ListActivePatients returns all active patients.
	ListActivePatients() ([]models.Patient, error)

	// SaveFamilyMember inserts or replaces a family member record.
	SaveFamilyMember(m models.FamilyMember) error
	// ListFamilyMembers returns the active family members linked to a patient.
	ListFamilyMembers(patientID string) ([]models.FamilyMember, error)

	// CreateAttempt records a new call attempt.
	CreateAttempt(a models.CallAttempt) error
	// GetAttempt returns the attempt by transport call ID, or models.ErrNotFound.
	GetAttempt(callID string) (*models.CallAttempt, error)
	// UpdateAttempt replaces an existing attempt record.
	UpdateAttempt(a models.CallAttempt) error
	// ListAttempts returns a patient's attempts, newest first, up to limit
	// (0 means no limit).
	ListAttempts(patientID string, limit int) ([]models.CallAttempt, error)
	// ListAttemptsSince returns a patient's attempts created at or after the
	// given instant, newest first.
	ListAttemptsSince(patientID string, since time.Time) ([]models.CallAttempt, error)

	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string: a postgres:// URL for the
	// Postgres store, or a file path for the SQLite store.
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests and
// development runs without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	patients map[string]models.Patient
	family   map[string]models.FamilyMember
	attempts map[string]models.CallAttempt
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients: make(map[string]models.Patient),
		family:   make(map[string]models.FamilyMember),
		attempts: make(map[string]models.CallAttempt),
	}
}

// SavePatient inserts or replaces a patient record.
func (s *InMemoryStore) SavePatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

// GetPatient returns the patient by ID, or models.ErrNotFound.
func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

// ListActivePatients returns all active patients.
func (s *InMemoryStore) ListActivePatients() ([]models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Patient
	for _, p := range s.patients {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveFamilyMember inserts or replaces a family member record.
func (s *InMemoryStore) SaveFamilyMember(m models.FamilyMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.family[m.ID] = m
	return nil
}

// ListFamilyMembers returns the active family members linked to a patient.
func (s *InMemoryStore) ListFamilyMembers(patientID string) ([]models.FamilyMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FamilyMember
	for _, m := range s.family {
		if !m.Active {
			continue
		}
		for _, pid := range m.PatientIDs {
			if pid == patientID {
				out = append(out, m)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateAttempt records a new call attempt.
func (s *InMemoryStore) CreateAttempt(a models.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.attempts[a.CallID] = a
	return nil
}

// GetAttempt returns the attempt by call ID, or models.ErrNotFound.
func (s *InMemoryStore) GetAttempt(callID string) (*models.CallAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[callID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &a, nil
}

// UpdateAttempt replaces an existing attempt record.
func (s *InMemoryStore) UpdateAttempt(a models.CallAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[a.CallID]; !ok {
		return models.ErrNotFound
	}
	s.attempts[a.CallID] = a
	return nil
}

// ListAttempts returns a patient's attempts, newest first.
func (s *InMemoryStore) ListAttempts(patientID string, limit int) ([]models.CallAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallAttempt
	for _, a := range s.attempts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListAttemptsSince returns a patient's attempts created at or after since,
// newest first.
func (s *InMemoryStore) ListAttemptsSince(patientID string, since time.Time) ([]models.CallAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CallAttempt
	for _, a := range s.attempts {
		if a.PatientID == patientID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
