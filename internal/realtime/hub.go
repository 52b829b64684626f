// Package realtime provides a websocket hub for live patient event streams.
//
// Subscribers join a per-patient room; notification events published for a
// patient are pushed to every live subscriber of that room. Delivery is
// best-effort with no buffering or replay.
package realtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BTreeMap/CareCall/internal/models"
)

// writeTimeout bounds how long a slow subscriber can block a publish write.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriber is one live websocket connection in a patient room.
type subscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn
}

// Hub tracks patient rooms and their live subscribers.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*subscriber // patientID -> subscriber ID -> conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]*subscriber),
	}
}

// Subscribe upgrades the HTTP request to a websocket and joins the patient's
// room. It blocks until the connection closes.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, patientID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Hub websocket upgrade failed", "error", err, "patient_id", patientID)
		return err
	}

	sub := &subscriber{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	room, exists := h.rooms[patientID]
	if !exists {
		room = make(map[string]*subscriber)
		h.rooms[patientID] = room
	}
	room[sub.id] = sub
	h.mu.Unlock()

	slog.Info("Hub subscriber joined patient room", "patient_id", patientID, "subscriber_id", sub.id)

	// Drain reads until the peer disconnects. Inbound frames are ignored;
	// the stream is push-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(patientID, sub.id)
	conn.Close()
	slog.Info("Hub subscriber left patient room", "patient_id", patientID, "subscriber_id", sub.id)
	return nil
}

// Publish pushes an update to every live subscriber of the patient's room.
// Dead connections are dropped; failures never propagate to the caller.
func (h *Hub) Publish(patientID string, event models.EventType, data map[string]any) {
	update := models.RealtimeUpdate{
		EventType: event,
		PatientID: patientID,
		Timestamp: time.Now(),
		Data:      data,
	}

	h.mu.RLock()
	room := h.rooms[patientID]
	subs := make([]*subscriber, 0, len(room))
	for _, sub := range room {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := sub.conn.WriteJSON(update)
		sub.mu.Unlock()
		if err != nil {
			slog.Debug("Hub dropping dead subscriber", "error", err, "patient_id", patientID, "subscriber_id", sub.id)
			h.remove(patientID, sub.id)
			sub.conn.Close()
		}
	}

	slog.Debug("Hub published realtime update", "patient_id", patientID, "event", event, "subscribers", len(subs))
}

// SubscriberCount returns the number of live subscribers in a patient room.
func (h *Hub) SubscriberCount(patientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[patientID])
}

// remove deletes a subscriber from a room, pruning empty rooms.
func (h *Hub) remove(patientID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, exists := h.rooms[patientID]; exists {
		delete(room, subscriberID)
		if len(room) == 0 {
			delete(h.rooms, patientID)
		}
	}
}

// Close tears down all rooms and closes every live connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, room := range h.rooms {
		for _, sub := range room {
			sub.conn.Close()
			count++
		}
	}
	h.rooms = make(map[string]map[string]*subscriber)
	slog.Info("Hub closed", "closed_connections", count)
}
