package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CareCall/internal/models"
)

// dialRoom connects a test websocket client to a patient room on the hub.
func dialRoom(t *testing.T, h *Hub, patientID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r, patientID)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("Expected websocket dial to succeed, got %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

// waitForSubscribers polls until the room reaches the expected size.
func waitForSubscribers(t *testing.T, h *Hub, patientID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount(patientID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d subscribers for %s, got %d", want, patientID, h.SubscriberCount(patientID))
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn, cleanup := dialRoom(t, h, "p1")
	defer cleanup()
	waitForSubscribers(t, h, "p1", 1)

	h.Publish("p1", models.EventMedicationTaken, map[string]any{"medicationName": "Metformin"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var update models.RealtimeUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("Expected to receive update, got %v", err)
	}
	if update.EventType != models.EventMedicationTaken {
		t.Errorf("Expected medication_taken event, got %q", update.EventType)
	}
	if update.PatientID != "p1" {
		t.Errorf("Expected patient p1, got %q", update.PatientID)
	}
}

func TestPublishDoesNotCrossRooms(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn1, cleanup1 := dialRoom(t, h, "p1")
	defer cleanup1()
	conn2, cleanup2 := dialRoom(t, h, "p2")
	defer cleanup2()
	waitForSubscribers(t, h, "p1", 1)
	waitForSubscribers(t, h, "p2", 1)

	h.Publish("p1", models.EventMedicationMissed, nil)

	conn1.SetReadDeadline(time.Now().Add(time.Second))
	var update models.RealtimeUpdate
	if err := conn1.ReadJSON(&update); err != nil {
		t.Fatalf("Expected p1 subscriber to receive update, got %v", err)
	}

	conn2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := conn2.ReadJSON(&update); err == nil {
		t.Error("Expected p2 subscriber to receive nothing")
	}
}

func TestPublishToEmptyRoomIsNoop(t *testing.T) {
	h := NewHub()
	defer h.Close()
	// Must not panic or block.
	h.Publish("nobody", models.EventCallFailed, nil)
}

func TestSubscriberRemovedOnDisconnect(t *testing.T) {
	h := NewHub()
	defer h.Close()

	conn, cleanup := dialRoom(t, h, "p1")
	defer cleanup()
	waitForSubscribers(t, h, "p1", 1)

	conn.Close()
	waitForSubscribers(t, h, "p1", 0)
}
