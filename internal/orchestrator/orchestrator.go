// Package orchestrator owns the reminder call lifecycle for CareCall.
//
// It starts outbound call attempts when reminder triggers fire, consumes
// transport callbacks to advance each attempt through its state machine,
// and applies the retry and escalation policy: failed or unanswered calls
// are retried up to the patient's configured maximum, after which the SMS
// backup and family notification path takes over.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/script"
	"github.com/BTreeMap/CareCall/internal/timer"
	"github.com/BTreeMap/CareCall/internal/twiliovoice"
	"github.com/BTreeMap/CareCall/internal/util"
)

// Notifier is the notification fan-out capability consumed on state
// transitions.
type Notifier interface {
	NotifyFamily(ctx context.Context, patientID string, event models.EventType, details models.NotificationDetails) error
	PublishRealtime(patientID string, event models.EventType, data map[string]any)
}

// Store is the subset of persistence the orchestrator needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	CreateAttempt(a models.CallAttempt) error
	GetAttempt(callID string) (*models.CallAttempt, error)
	UpdateAttempt(a models.CallAttempt) error
}

// Orchestrator builds call attempts, applies transport callbacks, and owns
// the retry/escalation policy.
type Orchestrator struct {
	store     Store
	sender    twiliovoice.Sender
	notifier  Notifier
	timers    *timer.RetryTimer
	gatherURL string

	// mu serializes callback event application so two callbacks for the
	// same call identifier are applied in delivery order.
	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator. gatherURL is the webhook URL
// Twilio posts DTMF responses to, embedded in each reminder TwiML document.
func NewOrchestrator(store Store, sender twiliovoice.Sender, notifier Notifier, timers *timer.RetryTimer, gatherURL string) *Orchestrator {
	return &Orchestrator{
		store:     store,
		sender:    sender,
		notifier:  notifier,
		timers:    timers,
		gatherURL: gatherURL,
	}
}

// FireReminder is the scheduler trigger callback. It re-fetches current
// patient and medication state so a trigger that outlived a medication edit
// or deactivation becomes a no-op.
func (o *Orchestrator) FireReminder(ctx context.Context, patientID, medicationID string) {
	patient, err := o.store.GetPatient(patientID)
	if err != nil {
		slog.Error("Orchestrator FireReminder failed to load patient", "error", err, "patient_id", patientID)
		return
	}
	med := patient.Medication(medicationID)
	if !patient.Active || !patient.Settings.VoiceCallEnabled || med == nil || !med.ActiveAt(time.Now()) {
		slog.Debug("Orchestrator dropping stale reminder", "patient_id", patientID, "medication_id", medicationID)
		return
	}

	if _, err := o.StartAttempt(ctx, patient, med, 1, time.Now()); err != nil {
		slog.Error("Orchestrator FireReminder attempt failed", "error", err,
			"patient_id", patientID, "medication_id", medicationID)
	}
}

// InitiateCall starts an immediate reminder call outside the schedule, for
// manual initiation through the API. Unlike FireReminder it reports
// validation and placement failures to the caller.
func (o *Orchestrator) InitiateCall(ctx context.Context, patientID, medicationID string) (string, error) {
	patient, err := o.store.GetPatient(patientID)
	if err != nil {
		return "", fmt.Errorf("failed to load patient: %w", err)
	}
	med := patient.Medication(medicationID)
	if med == nil {
		return "", fmt.Errorf("medication %s: %w", medicationID, models.ErrNotFound)
	}
	if !patient.Active || !med.ActiveAt(time.Now()) {
		return "", models.ErrInactive
	}
	return o.StartAttempt(ctx, patient, med, 1, time.Now())
}

// StartAttempt places a reminder call and records the attempt. On transport
// placement failure it falls back immediately to SMS with a generic reminder
// and records the follow-up; placement failures are terminal for the
// attempt and are never retried.
func (o *Orchestrator) StartAttempt(ctx context.Context, patient *models.Patient, med *models.Medication, attemptNumber int, scheduledTime time.Time) (string, error) {
	if patient.PersonalInfo.PhoneNumber == "" {
		return "", models.ErrNoPhoneNumber
	}

	settings := patient.Settings
	settings.ApplyDefaults()

	lang := patient.PersonalInfo.PreferredLanguage
	voiceScript := script.Reminder(*med, lang, patient.PersonalInfo.FirstName)
	twiml := twiliovoice.ReminderTwiML(voiceScript, med.Name, o.gatherURL)

	attempt := models.CallAttempt{
		PatientID:     patient.ID,
		MedicationID:  med.ID,
		ScheduledTime: scheduledTime,
		InitiatedTime: time.Now(),
		Status:        models.CallStatusInitiated,
		VoiceScript: models.ScriptInfo{
			Language:       lang,
			MedicationName: med.Name,
			ScriptText:     voiceScript,
		},
		AttemptNumber: attemptNumber,
		MaxAttempts:   settings.MaxCallAttempts,
	}

	callID, err := o.sender.PlaceCall(ctx, patient.PersonalInfo.PhoneNumber, twiml)
	if err != nil {
		slog.Error("Orchestrator call placement failed, falling back to SMS", "error", err,
			"patient_id", patient.ID, "medication_id", med.ID, "attempt", attemptNumber)
		o.smsFallback(ctx, patient, med, &attempt)
		return "", fmt.Errorf("voice call failed: %w", err)
	}

	attempt.CallID = callID
	if err := o.store.CreateAttempt(attempt); err != nil {
		slog.Error("Orchestrator failed to record call attempt", "error", err, "call_sid", callID)
		return callID, err
	}

	slog.Info("Orchestrator call attempt started", "call_sid", callID,
		"patient_id", patient.ID, "medication_id", med.ID,
		"attempt", attemptNumber, "max_attempts", attempt.MaxAttempts)
	return callID, nil
}

// smsFallback sends the generic SMS reminder after a placement failure and
// records the failed attempt with its send_sms follow-up for auditability.
func (o *Orchestrator) smsFallback(ctx context.Context, patient *models.Patient, med *models.Medication, attempt *models.CallAttempt) {
	attempt.CallID = util.GenerateFallbackCallID()
	attempt.Status = models.CallStatusFailed

	body := script.SMSFallback(patient.PersonalInfo.FirstName, med.Name)
	if _, err := o.sender.SendSMS(ctx, patient.PersonalInfo.PhoneNumber, body); err != nil {
		slog.Error("Orchestrator SMS fallback failed", "error", err, "patient_id", patient.ID)
		attempt.AddFollowup(models.FollowupSendSMS, models.FollowupFailed, "fallback after placement failure")
	} else {
		attempt.AddFollowup(models.FollowupSendSMS, models.FollowupCompleted, "fallback after placement failure")
	}

	if err := o.store.CreateAttempt(*attempt); err != nil {
		slog.Error("Orchestrator failed to record fallback attempt", "error", err, "patient_id", patient.ID)
	}
}

// retryKey builds the timer key for a pending retry. Patient ID is the
// prefix so CancelPatient can invalidate all of a patient's retries.
func retryKey(patientID, callID string) string {
	return patientID + ":" + callID
}

// scheduleRetry arms a one-shot retry for the attempt. When the timer fires
// it re-reads current state; if the patient or medication is no longer
// active the retry is silently dropped.
func (o *Orchestrator) scheduleRetry(attempt *models.CallAttempt, delayMinutes int) {
	patientID := attempt.PatientID
	medicationID := attempt.MedicationID
	nextAttempt := attempt.AttemptNumber + 1
	scheduledTime := attempt.ScheduledTime

	o.timers.ScheduleAfter(retryKey(patientID, attempt.CallID), time.Duration(delayMinutes)*time.Minute, func() {
		ctx := context.Background()
		patient, err := o.store.GetPatient(patientID)
		if err != nil {
			slog.Debug("Orchestrator dropping retry, patient gone", "patient_id", patientID)
			return
		}
		med := patient.Medication(medicationID)
		if !patient.Active || !patient.Settings.VoiceCallEnabled || med == nil || !med.ActiveAt(time.Now()) {
			slog.Debug("Orchestrator dropping retry, medication no longer active",
				"patient_id", patientID, "medication_id", medicationID)
			return
		}
		if _, err := o.StartAttempt(ctx, patient, med, nextAttempt, scheduledTime); err != nil {
			slog.Error("Orchestrator retry attempt failed", "error", err,
				"patient_id", patientID, "medication_id", medicationID, "attempt", nextAttempt)
		}
	})

	slog.Info("Orchestrator retry scheduled", "call_sid", attempt.CallID,
		"patient_id", patientID, "delay_minutes", delayMinutes, "next_attempt", nextAttempt)
}

// CancelPatient synchronously invalidates every pending retry timer tied to
// the patient. Used together with the scheduler's CancelPatient when a
// patient is deactivated.
func (o *Orchestrator) CancelPatient(patientID string) int {
	cancelled := o.timers.CancelPrefix(patientID + ":")
	slog.Info("Orchestrator cancelled pending retries", "patient_id", patientID, "cancelled", cancelled)
	return cancelled
}

// PendingRetries returns the number of armed retry timers.
func (o *Orchestrator) PendingRetries() int {
	return o.timers.ActiveCount()
}
