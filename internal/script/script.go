// Package script generates localized voice scripts and notification message
// text for CareCall.
//
// Supported languages are English, Hindi, Spanish, and French; unknown
// languages fall back to English.
package script

import (
	"fmt"
	"time"

	"github.com/BTreeMap/CareCall/internal/models"
)

// Supported language codes.
const (
	LangEnglish = "en"
	LangHindi   = "hi"
	LangSpanish = "es"
	LangFrench  = "fr"
)

// Reminder generates the personalized voice script for a medication
// reminder call.
func Reminder(med models.Medication, language, patientName string) string {
	switch language {
	case LangHindi:
		return fmt.Sprintf("नमस्ते %s. यह आपकी दवा याद दिलाने की सेवा है। अब %s, %s लेने का समय है। कृपया अपनी दवा लें और फोन पर 1 दबाकर पुष्टि करें।",
			patientName, med.Name, med.Dosage)
	case LangSpanish:
		return fmt.Sprintf("Hola %s. Este es su servicio de recordatorio de medicamentos. Es hora de tomar su %s, %s. Por favor tome su medicamento ahora y confirme presionando 1 en su teléfono.",
			patientName, med.Name, med.Dosage)
	case LangFrench:
		return fmt.Sprintf("Bonjour %s. Ceci est votre service de rappel de médicaments. Il est temps de prendre votre %s, %s. Veuillez prendre votre médicament maintenant et confirmer en appuyant sur 1 sur votre téléphone.",
			patientName, med.Name, med.Dosage)
	default:
		return englishReminder(med, patientName, time.Now())
	}
}

// englishReminder builds the English reminder with a time-of-day greeting.
func englishReminder(med models.Medication, patientName string, now time.Time) string {
	instructions := ""
	if med.Instructions != "" {
		instructions = " " + med.Instructions + "."
	}
	return fmt.Sprintf("Hello %s, %s. This is your medication reminder service. It's time to take your %s, %s.%s Please take your medication now and confirm by pressing 1 on your phone.",
		patientName, greeting(now), med.Name, med.Dosage, instructions)
}

// greeting returns the time-of-day salutation for the given instant.
func greeting(now time.Time) string {
	hour := now.Hour()
	if hour < 12 {
		return "good morning"
	}
	if hour < 17 {
		return "good afternoon"
	}
	return "good evening"
}

// Confirmation generates the script played back after a DTMF response.
// Confirmed scripts thank the patient; unconfirmed scripts acknowledge the
// needs-more-time response.
func Confirmation(language, medicationName string, confirmed bool) string {
	switch language {
	case LangHindi:
		if confirmed {
			return fmt.Sprintf("%s लेने की पुष्टि के लिए धन्यवाद। आपका दिन शुभ हो!", medicationName)
		}
		return fmt.Sprintf("मैं समझता हूं कि आपको और समय चाहिए। कृपया जल्द से जल्द अपनी %s लें। परिवार के सदस्य को सूचित किया जाएगा।", medicationName)
	case LangSpanish:
		if confirmed {
			return fmt.Sprintf("Gracias por confirmar que ha tomado su %s. ¡Que tenga un buen día!", medicationName)
		}
		return fmt.Sprintf("Entiendo que necesita más tiempo. Por favor tome su %s tan pronto como sea posible. Se notificará a un familiar.", medicationName)
	case LangFrench:
		if confirmed {
			return fmt.Sprintf("Merci de confirmer que vous avez pris votre %s. Passez une excellente journée!", medicationName)
		}
		return fmt.Sprintf("Je comprends que vous avez besoin de plus de temps. Veuillez prendre votre %s dès que possible. Un membre de la famille sera notifié.", medicationName)
	default:
		if confirmed {
			return fmt.Sprintf("Thank you for confirming that you've taken your %s. Have a great day!", medicationName)
		}
		return fmt.Sprintf("I understand you need more time. Please take your %s as soon as possible. A family member will be notified.", medicationName)
	}
}

// SMSFallback is the text sent when a voice call could not be placed.
func SMSFallback(patientFirstName, medicationName string) string {
	return fmt.Sprintf("Hello %s, this is a reminder to take your %s medication. Please take it as prescribed.",
		patientFirstName, medicationName)
}

// SMSEscalation is the text sent when all call attempts are exhausted.
func SMSEscalation(medicationName string) string {
	return fmt.Sprintf("URGENT: Medication reminder for %s. Please take your medication immediately and contact your family if you need assistance.",
		medicationName)
}

// NotificationMessage builds the family notification body for an event.
// Unknown event types fall back to a generic templated message.
func NotificationMessage(event models.EventType, patientName string, details models.NotificationDetails) string {
	medName := details.MedicationName
	if medName == "" {
		medName = "medication"
	}

	switch event {
	case models.EventMedicationTaken:
		return fmt.Sprintf("Good news! %s has confirmed taking their %s medication at %s.",
			patientName, medName, time.Now().Format("3:04 PM"))
	case models.EventMedicationMissed:
		return fmt.Sprintf("Alert: %s has not confirmed taking their %s medication. Please check on them.",
			patientName, medName)
	case models.EventCallFailed:
		return fmt.Sprintf("Unable to reach %s for their %s medication reminder. Please contact them directly.",
			patientName, medName)
	case models.EventMedicationReminder:
		return fmt.Sprintf("Reminder: %s should be taking their %s medication now.",
			patientName, medName)
	default:
		return fmt.Sprintf("Update regarding %s's medication: %s", patientName, details.Message)
	}
}

// EmailSubject builds the subject line for a family email notification.
func EmailSubject(event models.EventType, patientName string) string {
	switch event {
	case models.EventMedicationTaken:
		return fmt.Sprintf("Medication taken: %s", patientName)
	case models.EventMedicationMissed:
		return fmt.Sprintf("Medication missed: %s", patientName)
	case models.EventCallFailed:
		return fmt.Sprintf("Could not reach %s", patientName)
	default:
		return fmt.Sprintf("Medication update: %s", patientName)
	}
}
