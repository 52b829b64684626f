package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CareCall/internal/models"
)

// initiateCallRequest is the body for manual call initiation.
type initiateCallRequest struct {
	PatientID    string `json:"patientId"`
	MedicationID string `json:"medicationId"`
}

func (s *Server) initiateCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var req initiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.initiateCallHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, Error("Invalid JSON format"))
		return
	}
	if req.PatientID == "" || req.MedicationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, Error("patientId and medicationId are required"))
		return
	}

	callSid, err := s.orch.InitiateCall(r.Context(), req.PatientID, req.MedicationID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			writeJSONResponse(w, http.StatusNotFound, Error("Patient or medication not found"))
		case errors.Is(err, models.ErrInactive):
			writeJSONResponse(w, http.StatusConflict, Error("Patient or medication is inactive"))
		case errors.Is(err, models.ErrNoPhoneNumber):
			writeJSONResponse(w, http.StatusBadRequest, Error("Patient has no phone number"))
		default:
			slog.Error("Server.initiateCallHandler: call initiation failed", "error", err, "patient_id", req.PatientID)
			writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to initiate call"))
		}
		return
	}

	slog.Info("Server.initiateCallHandler: call initiated", "call_sid", callSid, "patient_id", req.PatientID)
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Call initiated", map[string]string{"callSid": callSid}))
}

func (s *Server) callHistoryHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 50)

	attempts, err := s.store.ListAttempts(patientID, limit)
	if err != nil {
		slog.Error("Server.callHistoryHandler: failed to list attempts", "error", err, "patient_id", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to load call history"))
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(attempts))
}

func (s *Server) adherenceHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	days := queryInt(r, "days", 30)

	rates, err := s.reporter.Rate(r.Context(), patientID, days)
	if err != nil {
		s.writeReportError(w, err, patientID, "adherence rate")
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(rates))
}

func (s *Server) adherenceHistoryHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	days := queryInt(r, "days", 7)

	history, err := s.reporter.History(r.Context(), patientID, days)
	if err != nil {
		s.writeReportError(w, err, patientID, "adherence history")
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(history))
}

func (s *Server) adherenceInsightsHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	insights, err := s.reporter.Insights(r.Context(), patientID)
	if err != nil {
		s.writeReportError(w, err, patientID, "adherence insights")
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(insights))
}

func (s *Server) writeReportError(w http.ResponseWriter, err error, patientID, what string) {
	if errors.Is(err, models.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, Error("Patient not found"))
		return
	}
	slog.Error("Server: failed to compute "+what, "error", err, "patient_id", patientID)
	writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to compute "+what))
}

// rescheduleHandler reinstalls a patient's reminder triggers from their
// current stored state, used after medication or settings edits.
func (s *Server) rescheduleHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, Error("Patient not found"))
			return
		}
		slog.Error("Server.rescheduleHandler: failed to load patient", "error", err, "patient_id", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to load patient"))
		return
	}

	installed, err := s.sched.SchedulePatient(patient)
	if err != nil {
		slog.Error("Server.rescheduleHandler: failed to schedule", "error", err, "patient_id", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to schedule reminders"))
		return
	}

	slog.Info("Server.rescheduleHandler: patient rescheduled", "patient_id", patientID, "triggers", installed)
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Schedule updated", map[string]int{"triggers": installed}))
}

// cancelScheduleHandler tears down a patient's reminder triggers and any
// pending retry timers, used on deactivation.
func (s *Server) cancelScheduleHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	triggers := s.sched.CancelPatient(patientID)
	retries := s.orch.CancelPatient(patientID)

	slog.Info("Server.cancelScheduleHandler: schedule cancelled", "patient_id", patientID,
		"triggers", triggers, "retries", retries)
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Schedule cancelled", map[string]int{
		"triggers": triggers,
		"retries":  retries,
	}))
}

func (s *Server) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]
	if err := s.hub.Subscribe(w, r, patientID); err != nil {
		slog.Error("Server.subscribeHandler: websocket subscribe failed", "error", err, "patient_id", patientID)
	}
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
