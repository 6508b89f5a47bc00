package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func appointment(id, patientID, status string) models.Appointment {
	return models.Appointment{
		AppointmentID: id,
		PatientID:     patientID,
		FacilityID:    "bhc-1",
		ServiceID:     "svc-1",
		ScheduledDate: day,
		ScheduledTime: "09:00",
		Status:        status,
		CreatedAt:     day,
		UpdatedAt:     day,
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentConfirmed)))
		require.NoError(t, tx.AppendEvent(ctx, "appointment.booked", "a-1", map[string]string{"id": "a-1"}))
		_, err := tx.NextQueueNumber(ctx, "bhc-1", day)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAppointment(ctx, "a-1")
	assert.ErrorIs(t, err, store.ErrAppointmentNotFound)
	events, err := s.ListOutboxEvents(ctx, store.OutboxCursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		next, err := tx.NextQueueNumber(ctx, "bhc-1", day)
		require.NoError(t, err)
		assert.Equal(t, 1, next, "counter rolled back with the transaction")
		return nil
	}))
}

func TestDuplicateBookingIgnoresCancelled(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentCancelled))
	}))
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertAppointment(ctx, appointment("a-2", "p-1", models.AppointmentConfirmed))
	}))

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertAppointment(ctx, appointment("a-3", "p-1", models.AppointmentConfirmed))
	})
	assert.ErrorIs(t, err, store.ErrDuplicateBooking)

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		occupied, err := tx.LockSlot(ctx, "bhc-1", day, "09:00")
		require.NoError(t, err)
		assert.Equal(t, 1, occupied)
		return nil
	}))
}

func TestQueueCounterPerFacilityDay(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		for want := 1; want <= 3; want++ {
			got, err := tx.NextQueueNumber(ctx, "bhc-1", day)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		other, err := tx.NextQueueNumber(ctx, "bhc-1", day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, other)
		other, err = tx.NextQueueNumber(ctx, "dho-1", day)
		require.NoError(t, err)
		assert.Equal(t, 1, other)
		return nil
	}))
}

func TestSavepointRollsBackOnlyInnerWork(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentConfirmed)))
		err := tx.Savepoint(ctx, func(inner store.Tx) error {
			require.NoError(t, inner.InsertAppointment(ctx, appointment("a-2", "p-2", models.AppointmentConfirmed)))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		return nil
	}))

	_, err := s.GetAppointment(ctx, "a-1")
	assert.NoError(t, err)
	_, err = s.GetAppointment(ctx, "a-2")
	assert.ErrorIs(t, err, store.ErrAppointmentNotFound)
}

func TestListQueueEntriesHidesCancelled(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentCancelled)))
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-2", "p-2", models.AppointmentConfirmed)))
		for i, id := range []string{"a-2", "a-1"} {
			require.NoError(t, tx.InsertQueueEntry(ctx, models.QueueEntry{
				QueueID:       "q-" + id,
				AppointmentID: id,
				FacilityID:    "bhc-1",
				ScheduledDate: day,
				QueueNumber:   i + 1,
				QueueType:     models.QueueTypeRegular,
				Status:        models.QueueWaiting,
			}))
		}
		return nil
	}))

	entries, err := s.ListQueueEntries(ctx, "bhc-1", day.Add(15*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a-2", entries[0].AppointmentID)

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertQueueEntry(ctx, models.QueueEntry{
			QueueID: "q-x", AppointmentID: "a-x", FacilityID: "bhc-1", ScheduledDate: day, QueueNumber: 1,
		})
	})
	assert.ErrorIs(t, err, store.ErrDuplicateQueueNumber)
}

func TestOutboxCursorsAndOffsets(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, ids := range [][]string{{"a", "b"}, {"c"}} {
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
			for _, id := range ids {
				require.NoError(t, tx.AppendEvent(ctx, "queue.updated", id, map[string]string{"id": id}))
			}
			return nil
		}))
	}

	events, err := s.ListOutboxEvents(ctx, store.OutboxCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, events[0].TxID, events[1].TxID, "one transaction shares a tx id")
	assert.True(t, events[0].Cursor().Less(events[1].Cursor()))
	assert.True(t, events[1].Cursor().Less(events[2].Cursor()))

	rest, err := s.ListOutboxEvents(ctx, events[0].Cursor(), 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].AggregateID)

	latest, err := s.LatestOutboxCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, events[2].Cursor(), latest)

	offset, err := s.GetRelayOffset(ctx, "log")
	require.NoError(t, err)
	assert.True(t, offset.IsZero())
	require.NoError(t, s.UpdateRelayOffset(ctx, "log", events[2].Cursor()))
	offset, err = s.GetRelayOffset(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, events[2].Cursor(), offset)
}

func TestRolledBackTransactionDoesNotReuseTxID(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.AppendEvent(ctx, "queue.updated", "gone", nil))
		return errors.New("abort")
	})
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendEvent(ctx, "queue.updated", "kept", nil)
	}))

	events, err := s.ListOutboxEvents(ctx, store.OutboxCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].TxID)
}

func TestSweepSelections(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutReferral(models.Referral{ReferralID: "r-old", PatientID: "p-1", Status: models.ReferralActive, ExpiresAt: day})
	s.PutReferral(models.Referral{ReferralID: "r-new", PatientID: "p-1", Status: models.ReferralActive, ExpiresAt: day.AddDate(0, 0, 30)})

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentConfirmed)))

		due, err := tx.LockDueAppointments(ctx, day.Add(9*time.Hour), nil, 10)
		require.NoError(t, err)
		assert.Len(t, due, 1)
		due, err = tx.LockDueAppointments(ctx, day.Add(9*time.Hour), []string{"a-1"}, 10)
		require.NoError(t, err)
		assert.Empty(t, due, "excluded ids are not selected")
		due, err = tx.LockDueAppointments(ctx, day.Add(8*time.Hour), nil, 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		expired, err := tx.LockExpiredReferrals(ctx, day.Add(time.Hour), nil, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "r-old", expired[0].ReferralID)
		expired, err = tx.LockExpiredReferrals(ctx, day.Add(time.Hour), []string{"r-old"}, 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
		return nil
	}))
}

func TestStaleQueueEntriesSkipCancelledAppointments(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-1", "p-1", models.AppointmentCancelled)))
		require.NoError(t, tx.InsertAppointment(ctx, appointment("a-2", "p-2", models.AppointmentConfirmed)))
		for i, id := range []string{"a-1", "a-2"} {
			require.NoError(t, tx.InsertQueueEntry(ctx, models.QueueEntry{
				QueueID:       "q-" + id,
				AppointmentID: id,
				FacilityID:    "bhc-1",
				ScheduledDate: day,
				QueueNumber:   i + 1,
				Status:        models.QueueWaiting,
			}))
		}

		stale, err := tx.LockStaleQueueEntries(ctx, day.AddDate(0, 0, 1), nil, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "q-a-2", stale[0].QueueID)

		stale, err = tx.LockStaleQueueEntries(ctx, day.AddDate(0, 0, 1), []string{"q-a-2"}, 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
		return nil
	}))
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"facilities": [
			{"facility_id": "cho-1", "type": "CHO", "name": "City Health Office"},
			{"facility_id": "bhc-1", "type": "BHC", "name": "Barangay 1", "barangay": "B1"}
		],
		"patients": [{"patient_id": "p-1", "priority_level": 1, "home_barangay": "B1"}]
	}`), 0o600))

	s := New()
	require.NoError(t, s.LoadSeedFile(path))

	facilities, err := s.ListFacilities(context.Background())
	require.NoError(t, err)
	require.Len(t, facilities, 2)
	assert.Equal(t, models.FacilityBHC, facilities[0].Type, "lower tiers sort first")

	patient, err := s.GetPatient(context.Background(), "p-1")
	require.NoError(t, err)
	assert.True(t, patient.IsPriority())

	assert.Error(t, s.LoadSeedFile(filepath.Join(t.TempDir(), "missing.json")))
}
