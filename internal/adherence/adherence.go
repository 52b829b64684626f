// Package adherence computes medication adherence metrics from the recorded
// call attempt history: per-medication adherence rates, a dashboard history
// view, and threshold-based insights.
package adherence

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// Store is the persistence subset adherence reporting reads from.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	ListAttemptsSince(patientID string, since time.Time) ([]models.CallAttempt, error)
}

// MedicationAdherence summarizes one medication's adherence over a window.
type MedicationAdherence struct {
	MedicationName string `json:"medicationName"`
	ScheduledDoses int    `json:"scheduledDoses"`
	ConfirmedDoses int    `json:"confirmedDoses"`
	AdherenceRate  int    `json:"adherenceRate"` // percent, rounded
	MissedDoses    int    `json:"missedDoses"`
}

// HistoryEntry is one call attempt rendered for the dashboard history view.
type HistoryEntry struct {
	Date           time.Time  `json:"date"`
	MedicationName string     `json:"medicationName"`
	Status         string     `json:"status"` // taken or missed
	CallStatus     models.CallStatus `json:"callStatus"`
	ResponseTime   *time.Time `json:"responseTime,omitempty"`
	AttemptNumber  int        `json:"attemptNumber"`
}

// Insight is a threshold-based recommendation derived from adherence rates.
type Insight struct {
	Type           string `json:"type"`
	MedicationName string `json:"medicationName"`
	AdherenceRate  int    `json:"adherenceRate,omitempty"`
	MissedDoses    int    `json:"missedDoses,omitempty"`
	Recommendation string `json:"recommendation"`
}

// Reporter computes adherence metrics for patients.
type Reporter struct {
	store Store
}

// NewReporter creates an adherence reporter backed by the given store.
func NewReporter(store Store) *Reporter {
	return &Reporter{store: store}
}

// Rate computes per-medication adherence over the trailing window of the
// given number of days. Inactive medications are skipped. A medication with
// no scheduled doses reports a zero rate.
func (r *Reporter) Rate(ctx context.Context, patientID string, days int) (map[string]MedicationAdherence, error) {
	if days <= 0 {
		days = 30
	}
	patient, err := r.store.GetPatient(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}

	since := time.Now().AddDate(0, 0, -days)
	attempts, err := r.store.ListAttemptsSince(patientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load call history: %w", err)
	}

	confirmedByMed := make(map[string]int)
	for _, a := range attempts {
		if a.Confirmed() {
			confirmedByMed[a.MedicationID]++
		}
	}

	out := make(map[string]MedicationAdherence)
	for _, med := range patient.Medications {
		if !med.Active {
			continue
		}
		scheduled := scheduledDoses(med, days)
		confirmed := confirmedByMed[med.ID]
		rate := 0
		if scheduled > 0 {
			rate = int(math.Round(float64(confirmed) / float64(scheduled) * 100))
		}
		out[med.ID] = MedicationAdherence{
			MedicationName: med.Name,
			ScheduledDoses: scheduled,
			ConfirmedDoses: confirmed,
			AdherenceRate:  rate,
			MissedDoses:    scheduled - confirmed,
		}
	}
	return out, nil
}

// scheduledDoses returns the expected dose count for a medication over the
// window. Weekly medications round partial weeks up.
func scheduledDoses(med models.Medication, days int) int {
	daily := len(med.Times)
	switch med.Frequency {
	case models.FrequencyTwiceDaily:
		return 2 * days
	case models.FrequencyThreeTimesDaily:
		return 3 * days
	case models.FrequencyWeekly:
		weeks := (days + 6) / 7
		return weeks * daily
	default:
		return daily * days
	}
}

// History returns the recent call attempts rendered as dashboard entries,
// newest first. An attempt counts as taken only when the patient confirmed.
func (r *Reporter) History(ctx context.Context, patientID string, days int) ([]HistoryEntry, error) {
	if days <= 0 {
		days = 7
	}
	patient, err := r.store.GetPatient(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}

	since := time.Now().AddDate(0, 0, -days)
	attempts, err := r.store.ListAttemptsSince(patientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load call history: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(attempts))
	for _, a := range attempts {
		status := "missed"
		var responseTime *time.Time
		if a.PatientResponse != nil {
			rt := a.PatientResponse.ResponseTime
			responseTime = &rt
			if a.PatientResponse.Confirmed {
				status = "taken"
			}
		}
		entries = append(entries, HistoryEntry{
			Date:           a.CreatedAt,
			MedicationName: medicationName(patient, a.MedicationID),
			Status:         status,
			CallStatus:     a.Status,
			ResponseTime:   responseTime,
			AttemptNumber:  a.AttemptNumber,
		})
	}
	return entries, nil
}

func medicationName(patient *models.Patient, medicationID string) string {
	if med := patient.Medication(medicationID); med != nil {
		return med.Name
	}
	return "Unknown Medication"
}

// Insights derives recommendations from the trailing 30-day adherence
// rates: medications under 80% adherence or with more than five missed
// doses are flagged.
func (r *Reporter) Insights(ctx context.Context, patientID string) ([]Insight, error) {
	rates, err := r.Rate(ctx, patientID, 30)
	if err != nil {
		return nil, err
	}

	insights := make([]Insight, 0)
	for _, data := range rates {
		if data.AdherenceRate < 80 {
			insights = append(insights, Insight{
				Type:           "poor_adherence",
				MedicationName: data.MedicationName,
				AdherenceRate:  data.AdherenceRate,
				Recommendation: fmt.Sprintf("Consider adjusting reminder times or frequency for %s", data.MedicationName),
			})
		}
		if data.MissedDoses > 5 {
			insights = append(insights, Insight{
				Type:           "frequent_misses",
				MedicationName: data.MedicationName,
				MissedDoses:    data.MissedDoses,
				Recommendation: fmt.Sprintf("High number of missed doses for %s. Consider family intervention.", data.MedicationName),
			})
		}
	}

	slog.Debug("Reporter insights generated", "patient_id", patientID, "insights", len(insights))
	return insights, nil
}
