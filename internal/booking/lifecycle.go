package booking

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

// CancelAppointment moves a confirmed or checked-in appointment to cancelled.
// A referral consumed by the appointment stays used.
func (e *Engine) CancelAppointment(ctx context.Context, appointmentID, reason, actorID string) (models.Appointment, error) {
	reason = strings.TrimSpace(reason)
	return e.transitionAppointment(ctx, appointmentID, store.ActionCancel, actorID, store.EventAppointmentCancelled,
		func(ctx context.Context, tx store.Tx, appt *models.Appointment, now time.Time) error {
			if reason != "" {
				appt.CancellationReason = &reason
			}
			return nil
		})
}

// CheckIn records the patient's arrival: the appointment becomes checked_in
// and its queue entry gets time_in. The entry keeps its place in line.
func (e *Engine) CheckIn(ctx context.Context, appointmentID, actorID string) (models.Appointment, error) {
	return e.transitionAppointment(ctx, appointmentID, store.ActionCheckIn, actorID, store.EventAppointmentCheckedIn,
		func(ctx context.Context, tx store.Tx, appt *models.Appointment, now time.Time) error {
			entry, found, err := tx.LockQueueEntryByAppointment(ctx, appt.AppointmentID)
			if err != nil || !found {
				return err
			}
			entry.TimeIn = &now
			return tx.UpdateQueueEntry(ctx, entry)
		})
}

// StartService moves a checked-in appointment and its queue entry to in_progress.
func (e *Engine) StartService(ctx context.Context, appointmentID, actorID string) (models.Appointment, error) {
	return e.transitionAppointment(ctx, appointmentID, store.ActionStart, actorID, store.EventAppointmentStarted,
		func(ctx context.Context, tx store.Tx, appt *models.Appointment, now time.Time) error {
			return e.advanceQueue(ctx, tx, appt.AppointmentID, store.ActionStart, now)
		})
}

// CompleteService closes an in-progress appointment and its queue entry.
func (e *Engine) CompleteService(ctx context.Context, appointmentID, actorID string) (models.Appointment, error) {
	return e.transitionAppointment(ctx, appointmentID, store.ActionComplete, actorID, store.EventAppointmentCompleted,
		func(ctx context.Context, tx store.Tx, appt *models.Appointment, now time.Time) error {
			return e.advanceQueue(ctx, tx, appt.AppointmentID, store.ActionComplete, now)
		})
}

// SkipQueueEntry marks a called-but-absent patient skipped. The entry moves
// behind everyone still waiting; the appointment is untouched.
func (e *Engine) SkipQueueEntry(ctx context.Context, queueID, actorID string) (models.QueueEntry, error) {
	ctx, span := e.tracer.Start(ctx, "booking.SkipQueueEntry", trace.WithAttributes(attribute.String("queue_id", queueID)))
	defer span.End()

	var updated models.QueueEntry
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		entry, err := tx.LockQueueEntry(ctx, queueID)
		if err != nil {
			return err
		}
		if !store.ValidQueueTransition(store.ActionSkip, entry.Status) {
			return store.ErrInvalidState
		}
		entry.Status, _ = store.QueueTarget(store.ActionSkip)
		if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
			return err
		}
		updated = entry
		return tx.AppendEvent(ctx, store.EventQueueSkipped, entry.QueueID, entry)
	})
	if err != nil {
		return models.QueueEntry{}, e.classify(span, err)
	}
	e.logger.Info().Str("queue_id", queueID).Str("actor_id", actorID).Msg("queue entry skipped")
	return updated, nil
}

func (e *Engine) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	appt, err := e.store.GetAppointment(ctx, appointmentID)
	return appt, store.Unavailable(err)
}

type appointmentMutation func(ctx context.Context, tx store.Tx, appt *models.Appointment, now time.Time) error

func (e *Engine) transitionAppointment(ctx context.Context, appointmentID, action, actorID, eventType string, mutate appointmentMutation) (models.Appointment, error) {
	ctx, span := e.tracer.Start(ctx, "booking."+action, trace.WithAttributes(attribute.String("appointment_id", appointmentID)))
	defer span.End()

	now := e.now().UTC()
	var updated models.Appointment
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		appt, err := tx.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !store.ValidAppointmentTransition(action, appt.Status) {
			return store.ErrInvalidState
		}
		appt.Status, _ = store.AppointmentTarget(action)
		appt.UpdatedAt = now
		if mutate != nil {
			if err := mutate(ctx, tx, &appt, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		updated = appt
		return tx.AppendEvent(ctx, eventType, appt.AppointmentID, appt)
	})
	if err != nil {
		return models.Appointment{}, e.classify(span, err)
	}
	e.logger.Info().
		Str("appointment_id", appointmentID).
		Str("action", action).
		Str("status", updated.Status).
		Str("actor_id", actorID).
		Msg("appointment transitioned")
	return updated, nil
}

// advanceQueue mirrors an appointment transition onto its queue entry. An
// entry already past the action's source states is left as is.
func (e *Engine) advanceQueue(ctx context.Context, tx store.Tx, appointmentID, action string, now time.Time) error {
	entry, found, err := tx.LockQueueEntryByAppointment(ctx, appointmentID)
	if err != nil || !found {
		return err
	}
	if !store.ValidQueueTransition(action, entry.Status) {
		return nil
	}
	entry.Status, _ = store.QueueTarget(action)
	switch action {
	case store.ActionStart:
		entry.TimeStarted = &now
		if entry.TimeIn == nil {
			entry.TimeIn = &now
		}
	case store.ActionComplete:
		entry.TimeCompleted = &now
	}
	return tx.UpdateQueueEntry(ctx, entry)
}
