// Package notify fans out medication events to family members and live
// subscribers.
//
// Family members are independent recipients: a delivery failure for one
// member is logged and never suppresses delivery to the others. Real-time
// publishing is fire-and-forget and never blocks the calling transition.
package notify

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/CareCall/internal/models"
	"github.com/BTreeMap/CareCall/internal/script"
)

// SMSSender delivers a text message to a destination number.
type SMSSender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

// EmailSender delivers an email notification.
type EmailSender interface {
	SendEmail(to, subject, body string) error
}

// Publisher pushes an event to live subscribers of a patient's stream.
type Publisher interface {
	Publish(patientID string, event models.EventType, data map[string]any)
}

// Store is the subset of persistence the notifier needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	ListFamilyMembers(patientID string) ([]models.FamilyMember, error)
}

// Notifier resolves interested family members for a patient and dispatches
// notifications per their channel preference.
type Notifier struct {
	store    Store
	sms      SMSSender
	email    EmailSender
	realtime Publisher
}

// NewNotifier creates a notifier. The sms, email, and realtime collaborators
// may be nil; a nil channel degrades to log-only delivery for that channel.
func NewNotifier(store Store, sms SMSSender, email EmailSender, realtime Publisher) *Notifier {
	return &Notifier{store: store, sms: sms, email: email, realtime: realtime}
}

// NotifyFamily notifies all active family members linked to the patient
// about the event. Dispatch is best-effort per member; the only error
// returned is a failure to resolve the recipient list itself.
func (n *Notifier) NotifyFamily(ctx context.Context, patientID string, event models.EventType, details models.NotificationDetails) error {
	patient, err := n.store.GetPatient(patientID)
	if err != nil {
		slog.Error("Notifier failed to load patient", "error", err, "patient_id", patientID)
		return err
	}
	members, err := n.store.ListFamilyMembers(patientID)
	if err != nil {
		slog.Error("Notifier failed to list family members", "error", err, "patient_id", patientID)
		return err
	}

	message := script.NotificationMessage(event, patient.PersonalInfo.FullName(), details)
	notified := 0
	for _, member := range members {
		if !member.NotificationSettings.WantsEvent(event) {
			slog.Debug("Notifier member opted out of event", "member_id", member.ID, "event", event)
			continue
		}
		n.dispatchMember(ctx, member, patient, event, message)
		notified++
	}

	slog.Info("Notifier notified family members", "patient_id", patientID, "event", event, "notified", notified, "total", len(members))
	return nil
}

// dispatchMember sends to one family member over their preferred channels.
// Failures are logged and swallowed so other members still receive delivery.
func (n *Notifier) dispatchMember(ctx context.Context, member models.FamilyMember, patient *models.Patient, event models.EventType, message string) {
	method := member.NotificationSettings.PreferredMethod
	if method == "" {
		method = models.NotifyMethodBoth
	}

	if method == models.NotifyMethodSMS || method == models.NotifyMethodBoth {
		if n.sms == nil {
			slog.Debug("Notifier SMS channel not configured", "member_id", member.ID)
		} else if _, err := n.sms.SendSMS(ctx, member.PhoneNumber, message); err != nil {
			slog.Error("Notifier SMS dispatch failed", "error", err, "member_id", member.ID, "event", event)
		} else {
			slog.Debug("Notifier SMS dispatched", "member_id", member.ID, "event", event)
		}
	}

	if method == models.NotifyMethodEmail || method == models.NotifyMethodBoth {
		if n.email == nil {
			slog.Debug("Notifier email channel not configured", "member_id", member.ID)
		} else {
			subject := script.EmailSubject(event, patient.PersonalInfo.FullName())
			if err := n.email.SendEmail(member.Email, subject, message); err != nil {
				slog.Error("Notifier email dispatch failed", "error", err, "member_id", member.ID, "event", event)
			} else {
				slog.Debug("Notifier email dispatched", "member_id", member.ID, "event", event)
			}
		}
	}
}

// PublishRealtime pushes an event to live subscribers of the patient's
// stream. It is fire-and-forget: delivery happens on a separate goroutine
// and can neither block nor fail the calling state transition.
func (n *Notifier) PublishRealtime(patientID string, event models.EventType, data map[string]any) {
	if n.realtime == nil {
		return
	}
	go n.realtime.Publish(patientID, event, data)
}
