package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/CareCall/internal/adherence"
	"github.com/BTreeMap/CareCall/internal/models"
)

type mockOrchestrator struct {
	statusEvents   []models.StatusEvent
	responseEvents []models.ResponseEvent
	statusErr      error
	responseErr    error
	responseScript string
	initiateSid    string
	initiateErr    error
	cancelled      []string
}

func (m *mockOrchestrator) InitiateCall(ctx context.Context, patientID, medicationID string) (string, error) {
	return m.initiateSid, m.initiateErr
}

func (m *mockOrchestrator) HandleStatus(ctx context.Context, ev models.StatusEvent) error {
	m.statusEvents = append(m.statusEvents, ev)
	return m.statusErr
}

func (m *mockOrchestrator) HandleResponse(ctx context.Context, ev models.ResponseEvent) (string, error) {
	m.responseEvents = append(m.responseEvents, ev)
	return m.responseScript, m.responseErr
}

func (m *mockOrchestrator) CancelPatient(patientID string) int {
	m.cancelled = append(m.cancelled, patientID)
	return 2
}

type mockScheduler struct {
	scheduled []string
	cancelled []string
	installed int
	err       error
}

func (m *mockScheduler) SchedulePatient(patient *models.Patient) (int, error) {
	m.scheduled = append(m.scheduled, patient.ID)
	return m.installed, m.err
}

func (m *mockScheduler) CancelPatient(patientID string) int {
	m.cancelled = append(m.cancelled, patientID)
	return 3
}

type mockReporter struct {
	rates    map[string]adherence.MedicationAdherence
	history  []adherence.HistoryEntry
	insights []adherence.Insight
	err      error
}

func (m *mockReporter) Rate(ctx context.Context, patientID string, days int) (map[string]adherence.MedicationAdherence, error) {
	return m.rates, m.err
}

func (m *mockReporter) History(ctx context.Context, patientID string, days int) ([]adherence.HistoryEntry, error) {
	return m.history, m.err
}

func (m *mockReporter) Insights(ctx context.Context, patientID string) ([]adherence.Insight, error) {
	return m.insights, m.err
}

type mockSubscriber struct {
	subscribed []string
}

func (m *mockSubscriber) Subscribe(w http.ResponseWriter, r *http.Request, patientID string) error {
	m.subscribed = append(m.subscribed, patientID)
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type mockAPIStore struct {
	patient  *models.Patient
	attempts []models.CallAttempt
}

func (m *mockAPIStore) GetPatient(id string) (*models.Patient, error) {
	if m.patient == nil || m.patient.ID != id {
		return nil, models.ErrNotFound
	}
	p := *m.patient
	return &p, nil
}

func (m *mockAPIStore) ListAttempts(patientID string, limit int) ([]models.CallAttempt, error) {
	return m.attempts, nil
}

type testFixture struct {
	server    *Server
	orch      *mockOrchestrator
	sched     *mockScheduler
	reporter  *mockReporter
	hub       *mockSubscriber
	store     *mockAPIStore
	ts        *httptest.Server
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		orch:     &mockOrchestrator{responseScript: "Thank you for confirming."},
		sched:    &mockScheduler{installed: 2},
		reporter: &mockReporter{},
		hub:      &mockSubscriber{},
		store:    &mockAPIStore{},
	}
	f.server = NewServer(f.store, f.orch, f.sched, f.reporter, f.hub)
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *testFixture) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(f.ts.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var env APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode response envelope: %v", err)
	}
	return env
}

func TestVoiceStatusWebhook(t *testing.T) {
	f := newFixture(t)

	resp := f.postForm(t, "/api/webhooks/twilio/voice-status", url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"CallDuration": {"42"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if len(f.orch.statusEvents) != 1 {
		t.Fatalf("Expected 1 status event, got %d", len(f.orch.statusEvents))
	}
	ev := f.orch.statusEvents[0]
	if ev.CallID != "CA123" || ev.Status != models.CallStatusCompleted || ev.Duration != 42 {
		t.Errorf("Unexpected status event: %+v", ev)
	}
}

func TestVoiceStatusWebhookInvalidStatusStillAccepted(t *testing.T) {
	f := newFixture(t)
	f.orch.statusErr = models.ErrInvalidStatus

	resp := f.postForm(t, "/api/webhooks/twilio/voice-status", url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"exploded"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for unrecognized status, got %d", resp.StatusCode)
	}
}

func TestVoiceResponseWebhookReturnsTwiML(t *testing.T) {
	f := newFixture(t)

	resp := f.postForm(t, "/api/webhooks/twilio/voice-response", url.Values{
		"CallSid": {"CA123"},
		"Digits":  {"1"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Errorf("Expected text/xml content type, got %s", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "Thank you for confirming.") {
		t.Errorf("Expected confirmation script in TwiML, got %s", body)
	}
	if len(f.orch.responseEvents) != 1 || f.orch.responseEvents[0].Digit != "1" {
		t.Errorf("Expected digit 1 response event, got %+v", f.orch.responseEvents)
	}
}

func TestVoiceResponseWebhookUnknownCall(t *testing.T) {
	f := newFixture(t)
	f.orch.responseErr = models.ErrNotFound

	resp := f.postForm(t, "/api/webhooks/twilio/voice-response", url.Values{
		"CallSid": {"CA-missing"},
		"Digits":  {"1"},
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/xml") {
		t.Errorf("Expected TwiML body on unknown call, got content type %s", ct)
	}
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(t)
	f.orch.initiateSid = "CA456"

	resp, err := http.Post(f.ts.URL+"/api/calls", "application/json",
		strings.NewReader(`{"patientId":"patient-1","medicationId":"med-1"}`))
	if err != nil {
		t.Fatalf("POST /api/calls failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Status != "ok" {
		t.Errorf("Expected ok envelope, got %+v", env)
	}
}

func TestInitiateCallMissingFields(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/calls", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /api/calls failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestInitiateCallUnknownPatient(t *testing.T) {
	f := newFixture(t)
	f.orch.initiateErr = models.ErrNotFound

	resp, err := http.Post(f.ts.URL+"/api/calls", "application/json",
		strings.NewReader(`{"patientId":"patient-x","medicationId":"med-1"}`))
	if err != nil {
		t.Fatalf("POST /api/calls failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestInitiateCallInactive(t *testing.T) {
	f := newFixture(t)
	f.orch.initiateErr = models.ErrInactive

	resp, err := http.Post(f.ts.URL+"/api/calls", "application/json",
		strings.NewReader(`{"patientId":"patient-1","medicationId":"med-1"}`))
	if err != nil {
		t.Fatalf("POST /api/calls failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestCallHistory(t *testing.T) {
	f := newFixture(t)
	f.store.attempts = []models.CallAttempt{{CallID: "CA1", PatientID: "patient-1"}}

	resp, err := http.Get(f.ts.URL + "/api/patients/patient-1/calls?limit=10")
	if err != nil {
		t.Fatalf("GET calls failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Status != "ok" || env.Result == nil {
		t.Errorf("Expected result in envelope, got %+v", env)
	}
}

func TestAdherenceUnknownPatient(t *testing.T) {
	f := newFixture(t)
	f.reporter.err = models.ErrNotFound

	resp, err := http.Get(f.ts.URL + "/api/patients/patient-x/adherence")
	if err != nil {
		t.Fatalf("GET adherence failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestAdherence(t *testing.T) {
	f := newFixture(t)
	f.reporter.rates = map[string]adherence.MedicationAdherence{
		"med-1": {MedicationName: "Metformin", ScheduledDoses: 30, ConfirmedDoses: 27, AdherenceRate: 90, MissedDoses: 3},
	}

	resp, err := http.Get(f.ts.URL + "/api/patients/patient-1/adherence?days=30")
	if err != nil {
		t.Fatalf("GET adherence failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Status != "ok" {
		t.Errorf("Expected ok envelope, got %+v", env)
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	f.store.patient = &models.Patient{ID: "patient-1", Active: true}

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/patients/patient-1/reschedule", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reschedule failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)
	if len(f.sched.scheduled) != 1 || f.sched.scheduled[0] != "patient-1" {
		t.Errorf("Expected patient-1 scheduled, got %v", f.sched.scheduled)
	}
}

func TestRescheduleUnknownPatient(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/patients/patient-x/reschedule", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST reschedule failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestCancelSchedule(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/patients/patient-1/schedule", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE schedule failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	decodeEnvelope(t, resp)
	if len(f.sched.cancelled) != 1 || f.sched.cancelled[0] != "patient-1" {
		t.Errorf("Expected scheduler cancel for patient-1, got %v", f.sched.cancelled)
	}
	if len(f.orch.cancelled) != 1 || f.orch.cancelled[0] != "patient-1" {
		t.Errorf("Expected retry cancel for patient-1, got %v", f.orch.cancelled)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Status != "ok" {
		t.Errorf("Expected ok health envelope, got %+v", env)
	}
}
