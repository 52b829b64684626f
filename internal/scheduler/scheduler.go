// Package scheduler provides recurring medication reminder scheduling for
// CareCall.
//
// It owns the set of active reminder triggers, one per (patient, medication,
// time slot), backed by a cron runner. Triggers fire in the patient's
// timezone and invoke a callback that re-reads current state, so a stale
// trigger for an edited or deactivated medication becomes a no-op.
package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/timeslot"
)

// FireFunc is invoked when a reminder trigger fires. Implementations must
// re-fetch current patient and medication state; the IDs identify the
// reminder occurrence, not a snapshot of data at schedule-build time.
type FireFunc func(patientID, medicationID string)

// keySeparator joins trigger key components. Patient IDs are the prefix so
// all of a patient's triggers can be matched together.
const keySeparator = "|"

// Scheduler owns the registry of active reminder triggers.
type Scheduler struct {
	cron *cron.Cron
	fire FireFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID // trigger key -> live cron entry
}

// NewScheduler creates and starts a reminder scheduler. The fire callback
// receives the (patientID, medicationID) pair of each firing trigger.
func NewScheduler(fire FireFunc) *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) with the
	// optional CRON_TZ prefix for per-patient timezones, and enable recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		cron:    c,
		fire:    fire,
		entries: make(map[string]cron.EntryID),
	}
}

// triggerKey builds the registry key for a (patient, medication, slot) triple.
func triggerKey(patientID, medicationID, slot string) string {
	return patientID + keySeparator + medicationID + keySeparator + slot
}

// ScheduleAll installs triggers for every active patient. Per-entry
// configuration errors (malformed slot, unknown timezone) are logged and
// skipped so one patient's bad data never blocks the rest. Returns the
// number of triggers installed.
func (s *Scheduler) ScheduleAll(patients []models.Patient) int {
	installed := 0
	for i := range patients {
		n, err := s.SchedulePatient(&patients[i])
		if err != nil {
			slog.Error("Scheduler ScheduleAll failed for patient", "error", err, "patient_id", patients[i].ID)
			continue
		}
		installed += n
	}
	slog.Info("Scheduler installed reminder triggers", "patients", len(patients), "triggers", installed)
	return installed
}

// SchedulePatient atomically tears down and reinstalls all triggers for one
// patient. Used at boot and whenever the patient's medications change.
// Returns the number of triggers installed. Malformed entries are logged and
// skipped; the error returned covers only whole-patient conditions.
func (s *Scheduler) SchedulePatient(patient *models.Patient) (int, error) {
	if patient == nil {
		return 0, fmt.Errorf("schedule patient: patient is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removePatientLocked(patient.ID)

	if !patient.Active || !patient.Settings.VoiceCallEnabled {
		slog.Debug("Scheduler skipping inactive or voice-disabled patient", "patient_id", patient.ID)
		return 0, nil
	}

	tz := patient.PersonalInfo.Timezone
	installed := 0
	for _, med := range patient.Medications {
		if !med.Active {
			continue
		}
		if len(med.Times) == 0 {
			slog.Error("Scheduler medication has no time slots", "patient_id", patient.ID, "medication_id", med.ID)
			continue
		}
		for _, slot := range med.Times {
			if err := s.installLocked(patient.ID, med.ID, slot, med.Frequency, med, tz); err != nil {
				slog.Error("Scheduler failed to install trigger", "error", err,
					"patient_id", patient.ID, "medication_id", med.ID, "slot", slot)
				continue
			}
			installed++
		}
	}

	slog.Debug("Scheduler scheduled patient", "patient_id", patient.ID, "triggers", installed, "timezone", tz)
	return installed, nil
}

// installLocked installs one trigger, replacing any live trigger for the
// same key. Callers must hold s.mu.
func (s *Scheduler) installLocked(patientID, medicationID, slot string, freq models.Frequency, med models.Medication, tz string) error {
	spec, err := timeslot.CronSpec(slot, freq, med.StartDate, tz)
	if err != nil {
		return err
	}

	key := triggerKey(patientID, medicationID, slot)

	// Exactly one live trigger per key: cancel the prior handle before
	// installing the new one.
	if old, exists := s.entries[key]; exists {
		s.cron.Remove(old)
		slog.Debug("Scheduler replaced existing trigger", "key", key)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		slog.Debug("Scheduler trigger fired", "patient_id", patientID, "medication_id", medicationID, "slot", slot)
		s.fire(patientID, medicationID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron entry for %s: %w", key, err)
	}

	s.entries[key] = entryID
	slog.Debug("Scheduler installed trigger", "key", key, "spec", spec)
	return nil
}

// CancelPatient removes all triggers for the given patient.
func (s *Scheduler) CancelPatient(patientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removePatientLocked(patientID)
	slog.Info("Scheduler cancelled patient triggers", "patient_id", patientID, "removed", removed)
	return removed
}

// removePatientLocked removes every registry entry whose key belongs to the
// patient. Callers must hold s.mu.
func (s *Scheduler) removePatientLocked(patientID string) int {
	prefix := patientID + keySeparator
	removed := 0
	for key, entryID := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.cron.Remove(entryID)
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// HasTrigger reports whether a live trigger exists for the triple.
func (s *Scheduler) HasTrigger(patientID, medicationID, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[triggerKey(patientID, medicationID, slot)]
	return exists
}

// ActiveTriggerCount returns the number of live triggers.
func (s *Scheduler) ActiveTriggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop stops the cron runner, waits for running jobs to finish, and clears
// the trigger registry.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	count := len(s.entries)
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	slog.Info("Scheduler stopped", "cleared_triggers", count)
}
