package display

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

func newClient(h *Hub, id string, sub Subscription) *Client {
	client := &Client{ID: id, Send: make(chan []byte, 1)}
	h.Register(client)
	h.UpdateSubscription(client, sub)
	return client
}

func outboxEvent(t *testing.T, eventType string, payload interface{}) store.OutboxEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return store.OutboxEvent{EventID: "e1", Type: eventType, Payload: raw}
}

func TestBroadcastMatchesFacilityAndDate(t *testing.T) {
	h := New(zerolog.Nop())
	anyDay := newClient(h, "a", Subscription{FacilityID: "BHC25"})
	friday := newClient(h, "b", Subscription{FacilityID: "BHC25", Date: "2025-01-10"})
	other := newClient(h, "c", Subscription{FacilityID: "DHO3"})
	idle := newClient(h, "d", Subscription{})

	delivered := h.Broadcast([]byte("x"), Subscription{FacilityID: "BHC25", Date: "2025-01-11"})

	assert.Equal(t, 1, delivered)
	assert.Len(t, anyDay.Send, 1)
	assert.Empty(t, friday.Send)
	assert.Empty(t, other.Send)
	assert.Empty(t, idle.Send)
}

func TestBroadcastDropsForSlowClient(t *testing.T) {
	h := New(zerolog.Nop())
	client := newClient(h, "a", Subscription{FacilityID: "BHC25"})

	assert.Equal(t, 1, h.Broadcast([]byte("1"), Subscription{FacilityID: "BHC25"}))
	assert.Equal(t, 0, h.Broadcast([]byte("2"), Subscription{FacilityID: "BHC25"}))
	assert.Equal(t, "1", string(<-client.Send))
}

func TestPublishRoutesBookingByNestedAppointment(t *testing.T) {
	h := New(zerolog.Nop())
	client := newClient(h, "a", Subscription{FacilityID: "BHC25", Date: "2025-01-10"})
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	booked := outboxEvent(t, store.EventAppointmentBooked, map[string]interface{}{
		"appointment": models.Appointment{AppointmentID: "ap1", FacilityID: "BHC25", ScheduledDate: day},
		"queue_entry": models.QueueEntry{QueueID: "q1", FacilityID: "BHC25", ScheduledDate: day, QueueNumber: 1},
	})
	require.NoError(t, h.Publish(context.Background(), booked))

	require.Len(t, client.Send, 1)
	var got envelope
	require.NoError(t, json.Unmarshal(<-client.Send, &got))
	assert.Equal(t, store.EventAppointmentBooked, got.Type)

	skipped := outboxEvent(t, store.EventQueueSkipped, models.QueueEntry{QueueID: "q1", FacilityID: "BHC25", ScheduledDate: day})
	require.NoError(t, h.Publish(context.Background(), skipped))
	assert.Len(t, client.Send, 1)
}

func TestPublishIgnoresReferralEvents(t *testing.T) {
	h := New(zerolog.Nop())
	client := newClient(h, "a", Subscription{FacilityID: "DHO3"})
	target := "DHO3"

	issued := outboxEvent(t, store.EventReferralIssued, models.Referral{ReferralID: "r1", ReferredToFacilityID: &target})
	require.NoError(t, h.Publish(context.Background(), issued))

	assert.Empty(t, client.Send)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New(zerolog.Nop())
	client := newClient(h, "a", Subscription{FacilityID: "BHC25"})

	h.Unregister(client)
	h.Unregister(client)

	assert.Equal(t, 0, h.Broadcast([]byte("x"), Subscription{FacilityID: "BHC25"}))
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","facility_id":" BHC25 ","date":"2025-01-10"}`))
	require.True(t, ok)
	assert.Equal(t, "BHC25", msg.FacilityID)
	assert.Equal(t, "2025-01-10", msg.Date)

	_, ok = ParseSubscribe([]byte(`{"action":"shout"}`))
	assert.False(t, ok)

	_, ok = ParseSubscribe([]byte(`not json`))
	assert.False(t, ok)
}
