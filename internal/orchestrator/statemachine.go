package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/script"
)

// HandleStatus applies a transport status callback to the matching call
// attempt. Unknown call identifiers are benign: Twilio retries callbacks
// and an attempt may have been purged, so they are logged and dropped.
func (o *Orchestrator) HandleStatus(ctx context.Context, ev models.StatusEvent) error {
	if !models.IsValidCallStatus(ev.Status) {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, ev.Status)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	attempt, err := o.store.GetAttempt(ev.CallID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("Orchestrator status callback for unknown call", "call_sid", ev.CallID, "status", ev.Status)
			return nil
		}
		return fmt.Errorf("failed to load call attempt: %w", err)
	}

	now := time.Now()
	attempt.Status = ev.Status

	switch ev.Status {
	case models.CallStatusAnswered:
		attempt.AnsweredTime = &now
	case models.CallStatusCompleted:
		attempt.EndedTime = &now
		attempt.Duration = ev.Duration
	case models.CallStatusFailed, models.CallStatusNoAnswer:
		attempt.EndedTime = &now
		o.handleFailedCall(ctx, attempt)
	}

	if err := o.store.UpdateAttempt(*attempt); err != nil {
		return fmt.Errorf("failed to update call attempt: %w", err)
	}

	slog.Info("Orchestrator call status updated", "call_sid", ev.CallID,
		"status", ev.Status, "attempt", attempt.AttemptNumber)

	// A completed call where the patient neither confirmed nor asked for
	// more time counts as a missed dose.
	if ev.Status == models.CallStatusCompleted && !attempt.Confirmed() && !attempt.NeedsTime() {
		o.notifyMissed(ctx, attempt)
	}
	return nil
}

// handleFailedCall decides between retry and escalation for a failed or
// unanswered attempt. The attempt has already been marked with its terminal
// status; callers persist it afterwards.
func (o *Orchestrator) handleFailedCall(ctx context.Context, attempt *models.CallAttempt) {
	if attempt.AttemptNumber < attempt.MaxAttempts {
		delay := models.DefaultCallRetryInterval
		if patient, err := o.store.GetPatient(attempt.PatientID); err == nil {
			settings := patient.Settings
			settings.ApplyDefaults()
			delay = settings.CallRetryInterval
		}
		attempt.AddFollowup(models.FollowupRetryCall, models.FollowupPending,
			fmt.Sprintf("retry in %d minutes", delay))
		o.scheduleRetry(attempt, delay)
		return
	}
	o.escalate(ctx, attempt)
}

// escalate runs after the final attempt fails: SMS backup to the patient
// when enabled, then family notification and a realtime push.
func (o *Orchestrator) escalate(ctx context.Context, attempt *models.CallAttempt) {
	slog.Warn("Orchestrator max call attempts reached, escalating",
		"call_sid", attempt.CallID, "patient_id", attempt.PatientID, "attempts", attempt.AttemptNumber)

	medName := attempt.VoiceScript.MedicationName

	patient, err := o.store.GetPatient(attempt.PatientID)
	if err != nil {
		slog.Error("Orchestrator failed to load patient for escalation", "error", err, "patient_id", attempt.PatientID)
	} else if patient.Settings.SMSBackupEnabled && patient.PersonalInfo.PhoneNumber != "" {
		body := script.SMSEscalation(medName)
		if _, err := o.sender.SendSMS(ctx, patient.PersonalInfo.PhoneNumber, body); err != nil {
			slog.Error("Orchestrator escalation SMS failed", "error", err, "patient_id", attempt.PatientID)
			attempt.AddFollowup(models.FollowupSendSMS, models.FollowupFailed, "escalation after max attempts")
		} else {
			attempt.AddFollowup(models.FollowupSendSMS, models.FollowupCompleted, "escalation after max attempts")
		}
	}

	details := models.NotificationDetails{MedicationName: medName, Attempts: attempt.AttemptNumber}
	if err := o.notifier.NotifyFamily(ctx, attempt.PatientID, models.EventCallFailed, details); err != nil {
		slog.Error("Orchestrator family alert failed", "error", err, "patient_id", attempt.PatientID)
		attempt.AddFollowup(models.FollowupAlertFamily, models.FollowupFailed, "all call attempts exhausted")
	} else {
		attempt.AddFollowup(models.FollowupAlertFamily, models.FollowupCompleted, "all call attempts exhausted")
	}

	o.notifier.PublishRealtime(attempt.PatientID, models.EventCallFailed, map[string]any{
		"callSid":        attempt.CallID,
		"medicationName": medName,
		"attempts":       attempt.AttemptNumber,
	})
}

// notifyMissed fires the missed-dose notification for a completed call that
// got no usable response.
func (o *Orchestrator) notifyMissed(ctx context.Context, attempt *models.CallAttempt) {
	medName := attempt.VoiceScript.MedicationName
	details := models.NotificationDetails{MedicationName: medName}
	if err := o.notifier.NotifyFamily(ctx, attempt.PatientID, models.EventMedicationMissed, details); err != nil {
		slog.Error("Orchestrator missed-dose notification failed", "error", err, "patient_id", attempt.PatientID)
	}
	o.notifier.PublishRealtime(attempt.PatientID, models.EventMedicationMissed, map[string]any{
		"callSid":        attempt.CallID,
		"medicationName": medName,
	})
}

// HandleResponse applies a DTMF callback and returns the confirmation
// script to read back to the patient. Digit 1 confirms the dose; digit 2
// asks for more time and arms a fixed short retry; anything else is
// recorded without further action.
func (o *Orchestrator) HandleResponse(ctx context.Context, ev models.ResponseEvent) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	attempt, err := o.store.GetAttempt(ev.CallID)
	if err != nil {
		return "", fmt.Errorf("failed to load call attempt: %w", err)
	}

	confirmed := ev.Digit == "1"
	attempt.PatientResponse = &models.PatientResponse{
		Digit:        ev.Digit,
		ResponseTime: time.Now(),
		Confirmed:    confirmed,
	}

	medName := attempt.VoiceScript.MedicationName
	lang := attempt.VoiceScript.Language

	switch ev.Digit {
	case "1":
		slog.Info("Orchestrator medication confirmed", "call_sid", ev.CallID, "patient_id", attempt.PatientID)
		details := models.NotificationDetails{MedicationName: medName}
		if err := o.notifier.NotifyFamily(ctx, attempt.PatientID, models.EventMedicationTaken, details); err != nil {
			slog.Error("Orchestrator taken notification failed", "error", err, "patient_id", attempt.PatientID)
		}
		o.notifier.PublishRealtime(attempt.PatientID, models.EventMedicationTaken, map[string]any{
			"callSid":        attempt.CallID,
			"medicationName": medName,
		})
	case "2":
		slog.Info("Orchestrator patient needs more time", "call_sid", ev.CallID, "patient_id", attempt.PatientID)
		attempt.AddFollowup(models.FollowupRetryCall, models.FollowupPending,
			fmt.Sprintf("patient requested more time, retry in %d minutes", models.NeedsTimeRetryInterval))
		o.scheduleRetry(attempt, models.NeedsTimeRetryInterval)
	default:
		slog.Warn("Orchestrator unrecognized response digit", "call_sid", ev.CallID, "digit", ev.Digit)
	}

	if err := o.store.UpdateAttempt(*attempt); err != nil {
		return "", fmt.Errorf("failed to update call attempt: %w", err)
	}

	return script.Confirmation(lang, medName, confirmed), nil
}
