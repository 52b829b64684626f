// Package models defines the core data structures for CareCall.
//
// It includes patient, medication, and family member records, the call
// attempt lifecycle types, and the event shapes consumed by the call
// orchestrator. These types are shared across modules.
package models

import (
	"errors"
	"time"
)

// Frequency defines how often a medication is taken.
type Frequency string

const (
	// FrequencyDaily schedules one reminder per time slot per day.
	FrequencyDaily Frequency = "daily"
	// FrequencyTwiceDaily schedules two reminders per day.
	FrequencyTwiceDaily Frequency = "twice_daily"
	// FrequencyThreeTimesDaily schedules three reminders per day.
	FrequencyThreeTimesDaily Frequency = "three_times_daily"
	// FrequencyWeekly schedules reminders once per week per time slot.
	FrequencyWeekly Frequency = "weekly"
)

// IsValidFrequency checks if the given frequency is supported.
func IsValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyDaily, FrequencyTwiceDaily, FrequencyThreeTimesDaily, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// CallStatus describes the lifecycle state of an outbound reminder call.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusNoAnswer  CallStatus = "no-answer"
	CallStatusBusy      CallStatus = "busy"
)

// IsValidCallStatus checks if the given call status is supported.
func IsValidCallStatus(s CallStatus) bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusAnswered,
		CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status ends the call attempt lifecycle.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy:
		return true
	default:
		return false
	}
}

// EventType identifies a notification event fanned out to family members
// and real-time subscribers.
type EventType string

const (
	EventMedicationReminder EventType = "medication_reminder"
	EventMedicationTaken    EventType = "medication_taken"
	EventMedicationMissed   EventType = "medication_missed"
	EventCallFailed         EventType = "call_failed"
)

// NotifyMethod describes a family member's preferred notification channel.
type NotifyMethod string

const (
	NotifyMethodEmail NotifyMethod = "email"
	NotifyMethodSMS   NotifyMethod = "sms"
	NotifyMethodBoth  NotifyMethod = "both"
)

// FollowupType identifies a follow-up action recorded on a call attempt.
type FollowupType string

const (
	FollowupRetryCall      FollowupType = "retry_call"
	FollowupSendSMS        FollowupType = "send_sms"
	FollowupAlertFamily    FollowupType = "alert_family"
	FollowupAlertPhysician FollowupType = "alert_physician"
)

// FollowupStatus describes the outcome of a follow-up action.
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupCompleted FollowupStatus = "completed"
	FollowupFailed    FollowupStatus = "failed"
)

// Default patient settings applied when fields are unset.
const (
	// DefaultMaxCallAttempts is the number of call attempts before escalation.
	DefaultMaxCallAttempts = 3
	// DefaultCallRetryInterval is the retry delay between attempts in minutes.
	DefaultCallRetryInterval = 15
	// NeedsTimeRetryInterval is the fixed retry delay in minutes applied when
	// a patient presses 2 (needs more time), independent of patient settings.
	NeedsTimeRetryInterval = 15
)

// Error variables for better error handling and testability
var (
	ErrNotFound        = errors.New("record not found")
	ErrInvalidTimeSlot = errors.New("invalid time slot, expected HH:MM in 24-hour format")
	ErrInvalidTimezone = errors.New("invalid IANA timezone")
	ErrInvalidStatus   = errors.New("invalid call status")
	ErrNoTimeSlots     = errors.New("active medication has no time slots")
	ErrNoPhoneNumber   = errors.New("patient has no phone number")
	ErrInactive        = errors.New("patient or medication is inactive")
)

// PersonalInfo holds patient identity and contact details.
type PersonalInfo struct {
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	PhoneNumber       string `json:"phoneNumber"`
	PreferredLanguage string `json:"preferredLanguage,omitempty"` // en, hi, es, fr
	Timezone          string `json:"timezone,omitempty"`          // IANA name, e.g. Asia/Kolkata
}

// FullName returns the patient's display name for notification messages.
func (p PersonalInfo) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Settings holds per-patient reminder behavior configuration.
type Settings struct {
	VoiceCallEnabled  bool `json:"voiceCallEnabled"`
	SMSBackupEnabled  bool `json:"smsBackupEnabled"`
	MaxCallAttempts   int  `json:"maxCallAttempts,omitempty"`
	CallRetryInterval int  `json:"callRetryInterval,omitempty"` // minutes
}

// ApplyDefaults fills unset numeric settings with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.MaxCallAttempts <= 0 {
		s.MaxCallAttempts = DefaultMaxCallAttempts
	}
	if s.CallRetryInterval <= 0 {
		s.CallRetryInterval = DefaultCallRetryInterval
	}
}

// Medication is one entry in a patient's medication schedule.
type Medication struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Dosage       string     `json:"dosage"`
	Frequency    Frequency  `json:"frequency"`
	Times        []string   `json:"times"` // e.g. ["08:00", "20:00"]
	Instructions string     `json:"instructions,omitempty"`
	StartDate    time.Time  `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	Active       bool       `json:"isActive"`
}

// ActiveAt reports whether the medication should still generate reminders
// at the given instant, honoring the active flag and optional end date.
func (m Medication) ActiveAt(t time.Time) bool {
	if !m.Active {
		return false
	}
	if m.EndDate != nil && t.After(*m.EndDate) {
		return false
	}
	return true
}

// Patient is the root aggregate read by the orchestration core. It is owned
// by the store; the core reacts to changes via explicit reschedule calls.
type Patient struct {
	ID           string       `json:"id"`
	PersonalInfo PersonalInfo `json:"personalInfo"`
	Medications  []Medication `json:"medications"`
	Settings     Settings     `json:"settings"`
	Active       bool         `json:"isActive"`
	CreatedAt    time.Time    `json:"createdAt,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt,omitempty"`
}

// Medication returns the patient's medication with the given ID, or nil.
func (p *Patient) Medication(medicationID string) *Medication {
	for i := range p.Medications {
		if p.Medications[i].ID == medicationID {
			return &p.Medications[i]
		}
	}
	return nil
}

// NotificationSettings holds a family member's per-event opt-ins and
// preferred delivery channel.
type NotificationSettings struct {
	MedicationTaken  bool         `json:"medicationTaken"`
	MedicationMissed bool         `json:"medicationMissed"`
	CallFailed       bool         `json:"callFailed"`
	PreferredMethod  NotifyMethod `json:"preferredMethod"`
}

// WantsEvent reports whether the member opted in to the given event type.
// Unknown event types are delivered; opt-outs only apply to known events.
func (n NotificationSettings) WantsEvent(event EventType) bool {
	switch event {
	case EventMedicationTaken:
		return n.MedicationTaken
	case EventMedicationMissed:
		return n.MedicationMissed
	case EventCallFailed:
		return n.CallFailed
	default:
		return true
	}
}

// FamilyMember is a notification recipient linked to one or more patients.
type FamilyMember struct {
	ID                   string               `json:"id"`
	FirstName            string               `json:"firstName"`
	LastName             string               `json:"lastName"`
	Email                string               `json:"email"`
	PhoneNumber          string               `json:"phoneNumber"`
	PatientIDs           []string             `json:"patientIds"`
	Relationship         string               `json:"relationshipToPatient,omitempty"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`
	Active               bool                 `json:"isActive"`
}

// PatientResponse records the DTMF input received during a reminder call.
type PatientResponse struct {
	Digit        string    `json:"dtmfInput"`
	ResponseTime time.Time `json:"responseTime"`
	Confirmed    bool      `json:"confirmed"`
}

// ScriptInfo records the voice script used for a call attempt.
type ScriptInfo struct {
	Language       string `json:"language"`
	MedicationName string `json:"medicationName"`
	ScriptText     string `json:"scriptText,omitempty"`
}

// FollowupAction is an auditable record of a retry or escalation decision.
type FollowupAction struct {
	Action    FollowupType   `json:"action"`
	Status    FollowupStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   string         `json:"details,omitempty"`
}

// CallAttempt is one outbound call try for a reminder occurrence. Records
// are append-only history for adherence reporting and are mutated only by
// the state machine in response to transport callbacks.
type CallAttempt struct {
	CallID          string           `json:"callSid"`
	PatientID       string           `json:"patientId"`
	MedicationID    string           `json:"medicationId"`
	ScheduledTime   time.Time        `json:"scheduledTime"`
	InitiatedTime   time.Time        `json:"initiatedTime"`
	AnsweredTime    *time.Time       `json:"answeredTime,omitempty"`
	EndedTime       *time.Time       `json:"endedTime,omitempty"`
	Status          CallStatus       `json:"status"`
	Duration        int              `json:"duration,omitempty"` // seconds
	PatientResponse *PatientResponse `json:"patientResponse,omitempty"`
	VoiceScript     ScriptInfo       `json:"voiceScript"`
	FollowupActions []FollowupAction `json:"followupActions,omitempty"`
	AttemptNumber   int              `json:"attemptNumber"`
	MaxAttempts     int              `json:"maxAttempts"`
	CreatedAt       time.Time        `json:"createdAt,omitempty"`
}

// Confirmed reports whether the patient confirmed taking the medication.
func (c *CallAttempt) Confirmed() bool {
	return c.PatientResponse != nil && c.PatientResponse.Confirmed
}

// NeedsTime reports whether the patient asked for more time (digit 2).
func (c *CallAttempt) NeedsTime() bool {
	return c.PatientResponse != nil && c.PatientResponse.Digit == "2"
}

// AddFollowup appends a follow-up action record with the current timestamp.
func (c *CallAttempt) AddFollowup(action FollowupType, status FollowupStatus, details string) {
	c.FollowupActions = append(c.FollowupActions, FollowupAction{
		Action:    action,
		Status:    status,
		Timestamp: time.Now(),
		Details:   details,
	})
}

// StatusEvent is a transport status callback for a call attempt.
type StatusEvent struct {
	CallID   string     `json:"callId"`
	Status   CallStatus `json:"status"`
	Duration int        `json:"durationSeconds,omitempty"`
}

// ResponseEvent is a transport DTMF callback for a call attempt.
type ResponseEvent struct {
	CallID string `json:"callId"`
	Digit  string `json:"digit"`
}

// RealtimeUpdate is the payload pushed to live subscribers of a patient's
// event stream.
type RealtimeUpdate struct {
	EventType EventType      `json:"eventType"`
	PatientID string         `json:"patientId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotificationDetails carries event context into notification templates.
type NotificationDetails struct {
	MedicationName string `json:"medicationName,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Message        string `json:"message,omitempty"`
}
