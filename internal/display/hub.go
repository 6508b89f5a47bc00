// Package display pushes queue changes to waiting-room screens. Screens
// subscribe to one facility (optionally one date) and receive every
// appointment and queue event for it as the outbox relay forwards them.
package display

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"wbhsms/scheduling-service/internal/store"
)

type Subscription struct {
	FacilityID string
	Date       string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	FacilityID string `json:"facility_id"`
	Date       string `json:"date"`
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "display").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast never blocks: a screen whose buffer is full misses the message
// and catches up from the next snapshot it requests.
func (h *Hub) Broadcast(payload []byte, meta Subscription) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
	return delivered
}

// Publish lets the hub sit behind an outbox relay. Only events that change a
// facility's line are forwarded.
func (h *Hub) Publish(_ context.Context, event store.OutboxEvent) error {
	if !strings.HasPrefix(event.Type, "appointment.") && !strings.HasPrefix(event.Type, "queue.") {
		return nil
	}
	meta := extractMeta(event.Payload)
	if meta.FacilityID == "" {
		return nil
	}
	payload, err := json.Marshal(envelope{Type: event.Type, Payload: event.Payload})
	if err != nil {
		return err
	}
	h.Broadcast(payload, meta)
	return nil
}

func match(sub Subscription, meta Subscription) bool {
	if sub.FacilityID == "" || sub.FacilityID != meta.FacilityID {
		return false
	}
	if sub.Date != "" && sub.Date != meta.Date {
		return false
	}
	return true
}

type locator struct {
	FacilityID    string `json:"facility_id"`
	ScheduledDate string `json:"scheduled_date"`
}

// extractMeta reads facility and date from an appointment, a queue entry, or
// a booking that nests both.
func extractMeta(payload []byte) Subscription {
	var data struct {
		locator
		Appointment *locator `json:"appointment"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return Subscription{}
	}
	loc := data.locator
	if loc.FacilityID == "" && data.Appointment != nil {
		loc = *data.Appointment
	}
	date := loc.ScheduledDate
	if len(date) > len("2006-01-02") {
		date = date[:len("2006-01-02")]
	}
	return Subscription{FacilityID: loc.FacilityID, Date: date}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	msg.FacilityID = strings.TrimSpace(msg.FacilityID)
	msg.Date = strings.TrimSpace(msg.Date)
	return msg, true
}
