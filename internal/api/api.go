// Package api provides the HTTP surface for CareCall.
//
// It exposes the Twilio voice webhooks that drive the call state machine,
// REST endpoints for manual call initiation, call history, adherence
// reporting and schedule management, and a websocket endpoint for live
// patient event streams.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/BTreeMap/CareCall/internal/adherence"
	"github.com/BTreeMap/CareCall/internal/models"
)

// Orchestrator is the call lifecycle capability the API drives.
type Orchestrator interface {
	InitiateCall(ctx context.Context, patientID, medicationID string) (string, error)
	HandleStatus(ctx context.Context, ev models.StatusEvent) error
	HandleResponse(ctx context.Context, ev models.ResponseEvent) (string, error)
	CancelPatient(patientID string) int
}

// Scheduler is the reminder trigger capability the API manages.
type Scheduler interface {
	SchedulePatient(patient *models.Patient) (int, error)
	CancelPatient(patientID string) int
}

// Reporter computes adherence metrics for the reporting endpoints.
type Reporter interface {
	Rate(ctx context.Context, patientID string, days int) (map[string]adherence.MedicationAdherence, error)
	History(ctx context.Context, patientID string, days int) ([]adherence.HistoryEntry, error)
	Insights(ctx context.Context, patientID string) ([]adherence.Insight, error)
}

// Subscriber attaches websocket clients to a patient's event stream.
type Subscriber interface {
	Subscribe(w http.ResponseWriter, r *http.Request, patientID string) error
}

// Store is the persistence subset the API reads directly.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	ListAttempts(patientID string, limit int) ([]models.CallAttempt, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP routes to the orchestration components.
type Server struct {
	store    Store
	orch     Orchestrator
	sched    Scheduler
	reporter Reporter
	hub      Subscriber

	router *mux.Router
	srv    *http.Server
}

// NewServer creates the API server. The listen address falls back to the
// CARECALL_API_ADDR environment variable, then ":8080".
func NewServer(store Store, orch Orchestrator, sched Scheduler, reporter Reporter, hub Subscriber, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = os.Getenv("CARECALL_API_ADDR")
	}
	if o.Addr == "" {
		o.Addr = ":8080"
	}

	s := &Server{
		store:    store,
		orch:     orch,
		sched:    sched,
		reporter: reporter,
		hub:      hub,
		router:   mux.NewRouter(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         o.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/webhooks/twilio/voice-status", s.voiceStatusHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/webhooks/twilio/voice-response", s.voiceResponseHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/calls", s.initiateCallHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/patients/{id}/calls", s.callHistoryHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/patients/{id}/adherence", s.adherenceHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/patients/{id}/adherence/history", s.adherenceHistoryHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/patients/{id}/adherence/insights", s.adherenceInsightsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/patients/{id}/reschedule", s.rescheduleHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/patients/{id}/schedule", s.cancelScheduleHandler).Methods(http.MethodDelete)
	s.router.HandleFunc("/ws/patients/{id}", s.subscribeHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests. It blocks until the listener fails
// or Stop is called.
func (s *Server) Start() error {
	slog.Info("Server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("CareCall is healthy", nil))
}
