package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

func seedAttempt(t *testing.T, store *mockStore, attemptNumber, maxAttempts int) models.CallAttempt {
	t.Helper()
	attempt := models.CallAttempt{
		CallID:        "CA-test-1",
		PatientID:     "patient-1",
		MedicationID:  "med-1",
		ScheduledTime: time.Now(),
		InitiatedTime: time.Now(),
		Status:        models.CallStatusInitiated,
		VoiceScript: models.ScriptInfo{
			Language:       "en",
			MedicationName: "Metformin",
		},
		AttemptNumber: attemptNumber,
		MaxAttempts:   maxAttempts,
	}
	if err := store.CreateAttempt(attempt); err != nil {
		t.Fatalf("Failed to seed attempt: %v", err)
	}
	return attempt
}

func TestHandleStatusInvalidStatus(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-x", Status: "exploded"})
	if err == nil {
		t.Error("Expected error for invalid status")
	}
}

func TestHandleStatusUnknownCallIsBenign(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-unknown", Status: models.CallStatusCompleted})
	if err != nil {
		t.Errorf("Expected unknown call to be ignored, got %v", err)
	}
}

func TestHandleStatusAnswered(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusAnswered}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	got, _ := store.GetAttempt("CA-test-1")
	if got.Status != models.CallStatusAnswered {
		t.Errorf("Expected status answered, got %s", got.Status)
	}
	if got.AnsweredTime == nil {
		t.Error("Expected answered time to be set")
	}
}

func TestHandleStatusNoAnswerSchedulesRetry(t *testing.T) {
	o, store, sender, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusNoAnswer}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	if o.PendingRetries() != 1 {
		t.Errorf("Expected 1 pending retry, got %d", o.PendingRetries())
	}
	if sender.smsCount() != 0 {
		t.Errorf("Expected no escalation SMS before max attempts, got %d", sender.smsCount())
	}
	if len(notifier.familyEvents()) != 0 {
		t.Errorf("Expected no family notification before max attempts, got %d", len(notifier.familyEvents()))
	}

	got, _ := store.GetAttempt("CA-test-1")
	if got.EndedTime == nil {
		t.Error("Expected ended time to be set")
	}
	if len(got.FollowupActions) != 1 {
		t.Fatalf("Expected 1 followup, got %d", len(got.FollowupActions))
	}
	if got.FollowupActions[0].Action != models.FollowupRetryCall {
		t.Errorf("Expected retry_call followup, got %s", got.FollowupActions[0].Action)
	}
	if got.FollowupActions[0].Status != models.FollowupPending {
		t.Errorf("Expected pending followup, got %s", got.FollowupActions[0].Status)
	}
}

func TestHandleStatusFinalAttemptEscalates(t *testing.T) {
	o, store, sender, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 3, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusFailed}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	if o.PendingRetries() != 0 {
		t.Errorf("Expected no retry after final attempt, got %d", o.PendingRetries())
	}
	if sender.smsCount() != 1 {
		t.Fatalf("Expected 1 escalation SMS, got %d", sender.smsCount())
	}
	if !strings.Contains(sender.sms[0], "URGENT") {
		t.Errorf("Expected urgent escalation SMS, got %s", sender.sms[0])
	}

	events := notifier.familyEvents()
	if len(events) != 1 {
		t.Fatalf("Expected 1 family notification, got %d", len(events))
	}
	if events[0].event != models.EventCallFailed {
		t.Errorf("Expected call_failed event, got %s", events[0].event)
	}
	if events[0].details.Attempts != 3 {
		t.Errorf("Expected attempts 3 in details, got %d", events[0].details.Attempts)
	}
	if events[0].details.MedicationName != "Metformin" {
		t.Errorf("Expected medication name in details, got %s", events[0].details.MedicationName)
	}

	rt := notifier.realtimeEvents()
	if len(rt) != 1 || rt[0] != models.EventCallFailed {
		t.Errorf("Expected call_failed realtime event, got %v", rt)
	}

	got, _ := store.GetAttempt("CA-test-1")
	var sawSMS, sawAlert bool
	for _, f := range got.FollowupActions {
		switch f.Action {
		case models.FollowupSendSMS:
			sawSMS = f.Status == models.FollowupCompleted
		case models.FollowupAlertFamily:
			sawAlert = f.Status == models.FollowupCompleted
		}
	}
	if !sawSMS || !sawAlert {
		t.Errorf("Expected completed send_sms and alert_family followups, got %+v", got.FollowupActions)
	}
}

func TestEscalationSkipsSMSWhenDisabled(t *testing.T) {
	o, store, sender, notifier := newTestOrchestrator(t)
	p := testPatient()
	p.Settings.SMSBackupEnabled = false
	store.patients["patient-1"] = p
	seedAttempt(t, store, 3, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusNoAnswer}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	if sender.smsCount() != 0 {
		t.Errorf("Expected no SMS when backup is disabled, got %d", sender.smsCount())
	}
	if len(notifier.familyEvents()) != 1 {
		t.Errorf("Expected family notification regardless of SMS setting, got %d", len(notifier.familyEvents()))
	}
}

func TestHandleStatusBusyIsTerminalWithoutRetry(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusBusy}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	if o.PendingRetries() != 0 {
		t.Errorf("Expected no retry for busy, got %d", o.PendingRetries())
	}
	if len(notifier.familyEvents()) != 0 {
		t.Errorf("Expected no notifications for busy, got %d", len(notifier.familyEvents()))
	}
}

func TestCompletedWithoutResponseNotifiesMissed(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusCompleted, Duration: 42}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	events := notifier.familyEvents()
	if len(events) != 1 || events[0].event != models.EventMedicationMissed {
		t.Fatalf("Expected medication_missed notification, got %+v", events)
	}
	if events[0].details.MedicationName != "Metformin" {
		t.Errorf("Expected medication name in missed notification, got %s", events[0].details.MedicationName)
	}

	got, _ := store.GetAttempt("CA-test-1")
	if got.Duration != 42 {
		t.Errorf("Expected duration 42, got %d", got.Duration)
	}
}

func TestCompletedAfterConfirmationDoesNotNotifyMissed(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if _, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-test-1", Digit: "1"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusCompleted}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	for _, ev := range notifier.familyEvents() {
		if ev.event == models.EventMedicationMissed {
			t.Error("Expected no missed notification after confirmation")
		}
	}
}

func TestCompletedAfterNeedsTimeDoesNotNotifyMissed(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if _, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-test-1", Digit: "2"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if err := o.HandleStatus(context.Background(), models.StatusEvent{CallID: "CA-test-1", Status: models.CallStatusCompleted}); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	if len(notifier.familyEvents()) != 0 {
		t.Errorf("Expected no family notifications after needs-time completion, got %+v", notifier.familyEvents())
	}
}

func TestHandleResponseConfirmed(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	confirmation, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-test-1", Digit: "1"})
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if !strings.Contains(confirmation, "Metformin") {
		t.Errorf("Expected confirmation script to name the medication, got %s", confirmation)
	}

	got, _ := store.GetAttempt("CA-test-1")
	if !got.Confirmed() {
		t.Error("Expected attempt to record confirmation")
	}

	events := notifier.familyEvents()
	if len(events) != 1 || events[0].event != models.EventMedicationTaken {
		t.Fatalf("Expected medication_taken notification, got %+v", events)
	}
	rt := notifier.realtimeEvents()
	if len(rt) != 1 || rt[0] != models.EventMedicationTaken {
		t.Errorf("Expected medication_taken realtime event, got %v", rt)
	}
}

func TestHandleResponseNeedsTimeSchedulesRetry(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	confirmation, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-test-1", Digit: "2"})
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if confirmation == "" {
		t.Error("Expected a confirmation script for needs-time")
	}

	if o.PendingRetries() != 1 {
		t.Errorf("Expected 1 pending retry, got %d", o.PendingRetries())
	}
	if len(notifier.familyEvents()) != 0 {
		t.Errorf("Expected no family notification for needs-time, got %d", len(notifier.familyEvents()))
	}

	got, _ := store.GetAttempt("CA-test-1")
	if got.Confirmed() {
		t.Error("Expected needs-time not to count as confirmation")
	}
	if !got.NeedsTime() {
		t.Error("Expected needs-time to be recorded")
	}
	if len(got.FollowupActions) != 1 || got.FollowupActions[0].Action != models.FollowupRetryCall {
		t.Errorf("Expected retry_call followup, got %+v", got.FollowupActions)
	}
}

func TestHandleResponseUnrecognizedDigit(t *testing.T) {
	o, store, _, notifier := newTestOrchestrator(t)
	store.patients["patient-1"] = testPatient()
	seedAttempt(t, store, 1, 3)

	if _, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-test-1", Digit: "7"}); err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}

	if o.PendingRetries() != 0 {
		t.Errorf("Expected no retry for unrecognized digit, got %d", o.PendingRetries())
	}
	if len(notifier.familyEvents()) != 0 {
		t.Errorf("Expected no notifications for unrecognized digit, got %d", len(notifier.familyEvents()))
	}

	got, _ := store.GetAttempt("CA-test-1")
	if got.PatientResponse == nil || got.PatientResponse.Digit != "7" {
		t.Errorf("Expected digit 7 recorded, got %+v", got.PatientResponse)
	}
}

func TestHandleResponseUnknownCall(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	if _, err := o.HandleResponse(context.Background(), models.ResponseEvent{CallID: "CA-missing", Digit: "1"}); err == nil {
		t.Error("Expected error for unknown call")
	}
}
