package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/twiliovoice"
)

// voiceStatusHandler consumes Twilio call status callbacks. Twilio retries
// on non-2xx responses, so anything short of a storage failure answers 200:
// callbacks for unknown or already-purged calls must not pile up retries.
func (s *Server) voiceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.voiceStatusHandler: failed to parse form", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	callSid := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))

	slog.Info("Server.voiceStatusHandler: status callback", "call_sid", callSid, "status", status)

	ev := models.StatusEvent{
		CallID:   callSid,
		Status:   models.CallStatus(status),
		Duration: duration,
	}
	if err := s.orch.HandleStatus(r.Context(), ev); err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			slog.Warn("Server.voiceStatusHandler: unrecognized status", "call_sid", callSid, "status", status)
		} else {
			slog.Error("Server.voiceStatusHandler: failed to apply status", "error", err, "call_sid", callSid)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Server.voiceStatusHandler: failed to write response", "error", err)
	}
}

// voiceResponseHandler consumes Twilio gather callbacks carrying the
// patient's DTMF input and answers with the confirmation TwiML that Twilio
// reads back before hanging up.
func (s *Server) voiceResponseHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.voiceResponseHandler: failed to parse form", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	callSid := r.PostFormValue("CallSid")
	digits := r.PostFormValue("Digits")

	slog.Info("Server.voiceResponseHandler: response callback", "call_sid", callSid, "digits", digits)

	script, err := s.orch.HandleResponse(r.Context(), models.ResponseEvent{CallID: callSid, Digit: digits})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("Server.voiceResponseHandler: unknown call", "call_sid", callSid)
			writeTwiML(w, http.StatusNotFound, twiliovoice.ConfirmationTwiML("We could not find your call record. Goodbye."))
			return
		}
		slog.Error("Server.voiceResponseHandler: failed to apply response", "error", err, "call_sid", callSid)
		writeTwiML(w, http.StatusInternalServerError, twiliovoice.ConfirmationTwiML("Sorry, something went wrong. Goodbye."))
		return
	}

	writeTwiML(w, http.StatusOK, twiliovoice.ConfirmationTwiML(script))
}
