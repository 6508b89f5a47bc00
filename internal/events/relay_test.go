package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbhsms/scheduling-service/internal/store"
	"wbhsms/scheduling-service/internal/store/memory"
)

type recordingPublisher struct {
	events []store.OutboxEvent
	failAt int
}

func (p *recordingPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	if p.failAt > 0 && len(p.events)+1 == p.failAt {
		p.failAt = 0
		return errors.New("broker down")
	}
	p.events = append(p.events, event)
	return nil
}

func appendEvents(t *testing.T, st *memory.Store, ids ...string) {
	t.Helper()
	err := st.WithinTx(context.Background(), func(tx store.Tx) error {
		for _, id := range ids {
			if err := tx.AppendEvent(context.Background(), store.EventAppointmentBooked, id, map[string]string{"appointment_id": id}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func aggregateIDs(events []store.OutboxEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.AggregateID)
	}
	return out
}

func TestRelayAdvancesOffset(t *testing.T) {
	st := memory.New()
	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, Config{BatchSize: 2}, zerolog.Nop())
	ctx := context.Background()

	appendEvents(t, st, "a1", "a2", "a3")

	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	assert.Equal(t, []string{"a1", "a2", "a3"}, aggregateIDs(pub.events))
}

func TestRelayRetriesFromFailedEvent(t *testing.T) {
	st := memory.New()
	pub := &recordingPublisher{failAt: 2}
	relay := NewRelay(st, pub, Config{}, zerolog.Nop())
	ctx := context.Background()

	appendEvents(t, st, "a1", "a2", "a3")

	sent, err := relay.RunOnce(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, sent)

	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"a1", "a2", "a3"}, aggregateIDs(pub.events))
}

func TestEphemeralRelayStartsAtLatestEvent(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	appendEvents(t, st, "before-1", "before-2")

	pub := &recordingPublisher{}
	relay := NewRelay(st, pub, Config{Name: "display", Ephemeral: true}, zerolog.Nop())

	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "history before start is not replayed")

	appendEvents(t, st, "after-1")
	sent, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"after-1"}, aggregateIDs(pub.events))

	stored, err := st.GetRelayOffset(ctx, "display")
	require.NoError(t, err)
	assert.True(t, stored.IsZero(), "ephemeral offsets stay in memory")
}

func TestEphemeralRelaysDoNotShareProgress(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	first := &recordingPublisher{}
	second := &recordingPublisher{}
	relayA := NewRelay(st, first, Config{Name: "display", Ephemeral: true}, zerolog.Nop())
	relayB := NewRelay(st, second, Config{Name: "display", Ephemeral: true}, zerolog.Nop())

	_, err := relayA.RunOnce(ctx)
	require.NoError(t, err)
	_, err = relayB.RunOnce(ctx)
	require.NoError(t, err)

	appendEvents(t, st, "a1", "a2")
	_, err = relayA.RunOnce(ctx)
	require.NoError(t, err)
	_, err = relayB.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2"}, aggregateIDs(first.events))
	assert.Equal(t, []string{"a1", "a2"}, aggregateIDs(second.events))
}

func TestRelayPersistsCursorOffset(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	appendEvents(t, st, "a1")
	appendEvents(t, st, "a2")

	relay := NewRelay(st, &recordingPublisher{}, Config{Name: "redis"}, zerolog.Nop())
	sent, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sent)

	events, err := st.ListOutboxEvents(ctx, store.OutboxCursor{}, 10)
	require.NoError(t, err)
	offset, err := st.GetRelayOffset(ctx, "redis")
	require.NoError(t, err)
	assert.Equal(t, events[1].Cursor(), offset)
}
