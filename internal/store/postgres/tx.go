package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

type tx struct {
	q    querier
	pgTx pgx.Tx
}

func (t *tx) GetFacility(ctx context.Context, facilityID string) (models.Facility, error) {
	return getFacility(ctx, t.q, facilityID)
}

func (t *tx) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return getPatient(ctx, t.q, patientID)
}

func (t *tx) LockReferral(ctx context.Context, referralID string) (models.Referral, error) {
	return scanReferral(t.q.QueryRow(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referral_id = $1
		FOR UPDATE
	`, referralID))
}

func (t *tx) LockActiveReferrals(ctx context.Context, patientID string) ([]models.Referral, error) {
	return queryReferrals(ctx, t.q, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE patient_id = $1 AND status = 'active'
		ORDER BY issued_at ASC
		FOR UPDATE
	`, patientID)
}

func (t *tx) InsertReferral(ctx context.Context, ref models.Referral) error {
	var tier interface{}
	if ref.ReferredToTier != nil {
		tier = string(*ref.ReferredToTier)
	}
	var toFacility interface{}
	if ref.ReferredToFacilityID != nil {
		toFacility = nullIfEmpty(*ref.ReferredToFacilityID)
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO referrals (
			referral_id, patient_id, issued_by_facility_id, referred_to_facility_id, referred_to_tier,
			status, reason, issued_at, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ref.ReferralID, ref.PatientID, ref.IssuedByFacilityID, toFacility, tier,
		ref.Status, ref.Reason, ref.IssuedAt, ref.ExpiresAt)
	return err
}

func (t *tx) UpdateReferral(ctx context.Context, ref models.Referral) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE referrals
		SET status = $2, used_by_appointment_id = $3, used_at = $4
		WHERE referral_id = $1
	`, ref.ReferralID, ref.Status, ref.UsedByAppointmentID, ref.UsedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrReferralNotFound
	}
	return nil
}

func (t *tx) HasFacilityBooking(ctx context.Context, patientID, facilityID string, date time.Time) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND facility_id = $2 AND scheduled_date = $3::date AND status <> 'cancelled'
		)
	`, patientID, facilityID, formatDate(date)).Scan(&exists)
	return exists, err
}

// LockSlot creates the slot's occupancy row on first use and holds it until
// the transaction ends, so concurrent bookings for the slot queue up here.
func (t *tx) LockSlot(ctx context.Context, facilityID string, date time.Time, slot models.TimeSlot) (int, error) {
	day := formatDate(date)
	if _, err := t.q.Exec(ctx, `
		INSERT INTO slot_occupancy (facility_id, scheduled_date, scheduled_time)
		VALUES ($1, $2::date, $3::time)
		ON CONFLICT DO NOTHING
	`, facilityID, day, string(slot)); err != nil {
		return 0, err
	}
	if _, err := t.q.Exec(ctx, `
		SELECT 1 FROM slot_occupancy
		WHERE facility_id = $1 AND scheduled_date = $2::date AND scheduled_time = $3::time
		FOR UPDATE
	`, facilityID, day, string(slot)); err != nil {
		return 0, err
	}
	var occupied int
	err := t.q.QueryRow(ctx, `
		SELECT count(*) FROM appointments
		WHERE facility_id = $1 AND scheduled_date = $2::date AND scheduled_time = $3::time AND status <> 'cancelled'
	`, facilityID, day, string(slot)).Scan(&occupied)
	return occupied, err
}

func (t *tx) InsertAppointment(ctx context.Context, appt models.Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (
			appointment_id, patient_id, facility_id, service_id, scheduled_date, scheduled_time,
			referral_id, status, cancellation_reason, created_by, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5::date,$6::time,$7,$8,$9,$10,$11,$12)
	`, appt.AppointmentID, appt.PatientID, appt.FacilityID, appt.ServiceID, formatDate(appt.ScheduledDate),
		string(appt.ScheduledTime), appt.ReferralID, appt.Status, appt.CancellationReason, appt.CreatedBy,
		appt.CreatedAt, appt.UpdatedAt)
	return mapUniqueViolation(err)
}

func (t *tx) LockAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	return scanAppointment(t.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID))
}

func (t *tx) UpdateAppointment(ctx context.Context, appt models.Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2, cancellation_reason = $3, updated_at = $4
		WHERE appointment_id = $1
	`, appt.AppointmentID, appt.Status, appt.CancellationReason, appt.UpdatedAt)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAppointmentNotFound
	}
	return nil
}

func (t *tx) NextQueueNumber(ctx context.Context, facilityID string, date time.Time) (int, error) {
	var next int
	err := t.q.QueryRow(ctx, `
		INSERT INTO queue_counters (facility_id, scheduled_date, next_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (facility_id, scheduled_date)
		DO UPDATE SET next_number = queue_counters.next_number + 1
		RETURNING next_number
	`, facilityID, formatDate(date)).Scan(&next)
	return next, err
}

func (t *tx) InsertQueueEntry(ctx context.Context, entry models.QueueEntry) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO queue_entries (
			queue_id, appointment_id, facility_id, scheduled_date, queue_number, queue_type,
			priority_level, status, time_in, time_started, time_completed, created_at
		) VALUES ($1,$2,$3,$4::date,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.QueueID, entry.AppointmentID, entry.FacilityID, formatDate(entry.ScheduledDate), entry.QueueNumber,
		entry.QueueType, entry.PriorityLevel, entry.Status, entry.TimeIn, entry.TimeStarted, entry.TimeCompleted,
		entry.CreatedAt)
	return mapUniqueViolation(err)
}

func (t *tx) LockQueueEntry(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return scanQueueEntry(t.q.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries q
		WHERE q.queue_id = $1
		FOR UPDATE
	`, queueID))
}

func (t *tx) LockQueueEntryByAppointment(ctx context.Context, appointmentID string) (models.QueueEntry, bool, error) {
	entry, err := scanQueueEntry(t.q.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries q
		WHERE q.appointment_id = $1
		FOR UPDATE
	`, appointmentID))
	if errors.Is(err, store.ErrQueueEntryNotFound) {
		return models.QueueEntry{}, false, nil
	}
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (t *tx) UpdateQueueEntry(ctx context.Context, entry models.QueueEntry) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, time_in = $3, time_started = $4, time_completed = $5
		WHERE queue_id = $1
	`, entry.QueueID, entry.Status, entry.TimeIn, entry.TimeStarted, entry.TimeCompleted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrQueueEntryNotFound
	}
	return nil
}

// LockDueAppointments compares date+slot against cutoff as zone-less wall
// clock values, matching how they are stored.
func (t *tx) LockDueAppointments(ctx context.Context, cutoff time.Time, exclude []string, limit int) ([]models.Appointment, error) {
	return queryAppointments(ctx, t.q, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed' AND (scheduled_date + scheduled_time) <= $1::timestamp
		  AND appointment_id <> ALL($2::text[])
		ORDER BY scheduled_date ASC, scheduled_time ASC, appointment_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, cutoff.Format(timestampLayout), nonNil(exclude), limit)
}

func (t *tx) LockExpiredReferrals(ctx context.Context, now time.Time, exclude []string, limit int) ([]models.Referral, error) {
	return queryReferrals(ctx, t.q, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE status = 'active' AND expires_at <= $1 AND referral_id <> ALL($2::text[])
		ORDER BY expires_at ASC, referral_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, now, nonNil(exclude), limit)
}

func (t *tx) LockStaleQueueEntries(ctx context.Context, before time.Time, exclude []string, limit int) ([]models.QueueEntry, error) {
	return queryQueueEntries(ctx, t.q, `
		SELECT `+queueColumns+`
		FROM queue_entries q
		JOIN appointments a ON a.appointment_id = q.appointment_id
		WHERE q.status IN ('waiting', 'skipped') AND q.scheduled_date < $1::date
		  AND a.status <> 'cancelled' AND q.queue_id <> ALL($2::text[])
		ORDER BY q.scheduled_date ASC, q.queue_number ASC
		FOR UPDATE OF q SKIP LOCKED
		LIMIT $3
	`, formatDate(before), nonNil(exclude), limit)
}

func (t *tx) AppendEvent(ctx context.Context, eventType, aggregateID string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, aggregate_id, payload_json, created_at, tx_id)
		VALUES ($1, $2, $3, $4, clock_timestamp(), pg_current_xact_id()::text::bigint)
	`, uuid.NewString(), eventType, aggregateID, payloadJSON)
	return err
}

// Savepoint maps onto a pgx nested transaction, which is a SAVEPOINT on the
// same connection.
func (t *tx) Savepoint(ctx context.Context, fn func(store.Tx) error) (err error) {
	nested, err := t.pgTx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = nested.Rollback(ctx)
		}
	}()

	if err = fn(&tx{q: nested, pgTx: nested}); err != nil {
		return err
	}
	return nested.Commit(ctx)
}

// nonNil keeps an empty exclude list from encoding as SQL NULL, which would
// make every <> ALL comparison unknown.
func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
