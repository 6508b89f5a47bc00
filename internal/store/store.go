package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wbhsms/scheduling-service/internal/models"
)

// Tx is the unit of work every scheduling write runs inside. Lock* methods
// hold their rows until the surrounding transaction ends.
type Tx interface {
	GetFacility(ctx context.Context, facilityID string) (models.Facility, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)

	LockReferral(ctx context.Context, referralID string) (models.Referral, error)
	LockActiveReferrals(ctx context.Context, patientID string) ([]models.Referral, error)
	InsertReferral(ctx context.Context, referral models.Referral) error
	UpdateReferral(ctx context.Context, referral models.Referral) error

	HasFacilityBooking(ctx context.Context, patientID, facilityID string, date time.Time) (bool, error)
	// LockSlot serializes bookings for one slot and returns how many
	// non-cancelled appointments already occupy it.
	LockSlot(ctx context.Context, facilityID string, date time.Time, slot models.TimeSlot) (int, error)
	InsertAppointment(ctx context.Context, appointment models.Appointment) error
	LockAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	UpdateAppointment(ctx context.Context, appointment models.Appointment) error

	NextQueueNumber(ctx context.Context, facilityID string, date time.Time) (int, error)
	InsertQueueEntry(ctx context.Context, entry models.QueueEntry) error
	LockQueueEntry(ctx context.Context, queueID string) (models.QueueEntry, error)
	LockQueueEntryByAppointment(ctx context.Context, appointmentID string) (models.QueueEntry, bool, error)
	UpdateQueueEntry(ctx context.Context, entry models.QueueEntry) error

	// Sweep selectors skip rows another transaction already holds and the
	// ids listed in exclude.
	LockDueAppointments(ctx context.Context, cutoff time.Time, exclude []string, limit int) ([]models.Appointment, error)
	LockExpiredReferrals(ctx context.Context, now time.Time, exclude []string, limit int) ([]models.Referral, error)
	// LockStaleQueueEntries ignores entries whose appointment was cancelled.
	LockStaleQueueEntries(ctx context.Context, before time.Time, exclude []string, limit int) ([]models.QueueEntry, error)

	AppendEvent(ctx context.Context, eventType, aggregateID string, payload interface{}) error

	// Savepoint runs fn in a nested scope; an error undoes only fn's writes.
	Savepoint(ctx context.Context, fn func(Tx) error) error
}

type Store interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error

	GetFacility(ctx context.Context, facilityID string) (models.Facility, error)
	ListFacilities(ctx context.Context) ([]models.Facility, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	GetQueueEntry(ctx context.Context, queueID string) (models.QueueEntry, error)
	GetReferral(ctx context.Context, referralID string) (models.Referral, error)
	ListActiveReferrals(ctx context.Context, patientID string) ([]models.Referral, error)
	// ListQueueEntries returns the entries of (facility, date) whose
	// appointment has not been cancelled, in queue-number order.
	ListQueueEntries(ctx context.Context, facilityID string, date time.Time) ([]models.QueueEntry, error)

	// ListOutboxEvents returns events past after in cursor order. An event
	// is listed only once no transaction that could still write an earlier
	// cursor is running.
	ListOutboxEvents(ctx context.Context, after OutboxCursor, limit int) ([]OutboxEvent, error)
	// LatestOutboxCursor is the cursor of the newest listable event.
	LatestOutboxCursor(ctx context.Context) (OutboxCursor, error)
	GetRelayOffset(ctx context.Context, name string) (OutboxCursor, error)
	UpdateRelayOffset(ctx context.Context, name string, offset OutboxCursor) error
}

type OutboxEvent struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	TxID        int64           `json:"tx_id"`
	Seq         int64           `json:"seq"`
}

func (e OutboxEvent) Cursor() OutboxCursor {
	return OutboxCursor{TxID: e.TxID, Seq: e.Seq}
}

// OutboxCursor orders outbox events by the transaction that wrote them, then
// by insert order. The zero value sorts before every event.
type OutboxCursor struct {
	TxID int64 `json:"tx_id"`
	Seq  int64 `json:"seq"`
}

func (c OutboxCursor) IsZero() bool {
	return c.TxID == 0 && c.Seq == 0
}

func (c OutboxCursor) Less(other OutboxCursor) bool {
	if c.TxID != other.TxID {
		return c.TxID < other.TxID
	}
	return c.Seq < other.Seq
}

// String renders the cursor as "<tx_id>-<seq>", the form ParseOutboxCursor reads.
func (c OutboxCursor) String() string {
	return strconv.FormatInt(c.TxID, 10) + "-" + strconv.FormatInt(c.Seq, 10)
}

func ParseOutboxCursor(raw string) (OutboxCursor, error) {
	txPart, seqPart, ok := strings.Cut(raw, "-")
	if !ok {
		return OutboxCursor{}, fmt.Errorf("cursor %q must be <tx_id>-<seq>", raw)
	}
	txID, err := strconv.ParseInt(txPart, 10, 64)
	if err != nil || txID < 0 {
		return OutboxCursor{}, fmt.Errorf("cursor %q has an invalid tx_id", raw)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return OutboxCursor{}, fmt.Errorf("cursor %q has an invalid seq", raw)
	}
	return OutboxCursor{TxID: txID, Seq: seq}, nil
}

const (
	EventAppointmentBooked    = "appointment.booked"
	EventAppointmentCancelled = "appointment.cancelled"
	EventAppointmentCheckedIn = "appointment.checked_in"
	EventAppointmentStarted   = "appointment.started"
	EventAppointmentCompleted = "appointment.completed"
	EventAppointmentNoShow    = "appointment.no_show"
	EventQueueSkipped         = "queue.skipped"
	EventQueueClosed          = "queue.closed"
	EventReferralIssued       = "referral.issued"
	EventReferralConsumed     = "referral.consumed"
	EventReferralExpired      = "referral.expired"
)
