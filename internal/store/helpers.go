package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// rowScanner abstracts sql.Row and sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalJSON encodes v for a nullable JSON column, returning nil for nil
// and empty slices.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(data), nil
}

// scanAttempt scans a call attempt row in the canonical column order:
// call_sid, patient_id, medication_id, scheduled_time, initiated_time,
// answered_time, ended_time, status, duration, response, voice_script,
// followups, attempt_number, max_attempts, created_at.
func scanAttempt(row rowScanner) (models.CallAttempt, error) {
	var a models.CallAttempt
	var status string
	var answered, ended sql.NullTime
	var response, voiceScript, followups sql.NullString

	err := row.Scan(
		&a.CallID, &a.PatientID, &a.MedicationID, &a.ScheduledTime, &a.InitiatedTime,
		&answered, &ended, &status, &a.Duration, &response, &voiceScript, &followups,
		&a.AttemptNumber, &a.MaxAttempts, &a.CreatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Status = models.CallStatus(status)
	if answered.Valid {
		t := answered.Time
		a.AnsweredTime = &t
	}
	if ended.Valid {
		t := ended.Time
		a.EndedTime = &t
	}
	if response.Valid && response.String != "" {
		var pr models.PatientResponse
		if err := json.Unmarshal([]byte(response.String), &pr); err != nil {
			return a, fmt.Errorf("failed to unmarshal patient response: %w", err)
		}
		a.PatientResponse = &pr
	}
	if voiceScript.Valid && voiceScript.String != "" {
		if err := json.Unmarshal([]byte(voiceScript.String), &a.VoiceScript); err != nil {
			return a, fmt.Errorf("failed to unmarshal voice script: %w", err)
		}
	}
	if followups.Valid && followups.String != "" {
		if err := json.Unmarshal([]byte(followups.String), &a.FollowupActions); err != nil {
			return a, fmt.Errorf("failed to unmarshal followup actions: %w", err)
		}
	}
	return a, nil
}

// attemptArgs builds the insert/update argument list matching the canonical
// column order, excluding created_at.
func attemptArgs(a models.CallAttempt) ([]any, error) {
	var response any
	if a.PatientResponse != nil {
		var err error
		response, err = marshalJSON(a.PatientResponse)
		if err != nil {
			return nil, err
		}
	}
	voiceScript, err := marshalJSON(a.VoiceScript)
	if err != nil {
		return nil, err
	}
	var followups any
	if len(a.FollowupActions) > 0 {
		followups, err = marshalJSON(a.FollowupActions)
		if err != nil {
			return nil, err
		}
	}

	var answered, ended any
	if a.AnsweredTime != nil {
		answered = *a.AnsweredTime
	}
	if a.EndedTime != nil {
		ended = *a.EndedTime
	}

	return []any{
		a.CallID, a.PatientID, a.MedicationID, a.ScheduledTime, a.InitiatedTime,
		answered, ended, string(a.Status), a.Duration, response, voiceScript, followups,
		a.AttemptNumber, a.MaxAttempts,
	}, nil
}

// attemptCreatedAt returns the record creation time, defaulting to now.
func attemptCreatedAt(a models.CallAttempt) time.Time {
	if a.CreatedAt.IsZero() {
		return time.Now()
	}
	return a.CreatedAt
}
