package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

const (
	uniqueViolation = "23505"

	constraintOnePerFacilityDay = "appointments_one_per_facility_day"
	constraintQueueNumber       = "queue_entries_number_key"

	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"
)

// querier is satisfied by both the pool and an open transaction, so reads
// are shared between Store and tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = pgTx.Rollback(ctx)
		}
	}()

	if err = fn(&tx{q: pgTx, pgTx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

func (s *Store) GetFacility(ctx context.Context, facilityID string) (models.Facility, error) {
	return getFacility(ctx, s.pool, facilityID)
}

func (s *Store) ListFacilities(ctx context.Context) ([]models.Facility, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT facility_id, type, name, barangay, slot_capacity
		FROM facilities
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facilities []models.Facility
	index := make(map[string]int)
	for rows.Next() {
		var f models.Facility
		if err := rows.Scan(&f.FacilityID, &f.Type, &f.Name, &f.Barangay, &f.SlotCapacity); err != nil {
			return nil, err
		}
		index[f.FacilityID] = len(facilities)
		facilities = append(facilities, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hours, err := s.pool.Query(ctx, `
		SELECT facility_id, weekday, to_char(open_time, 'HH24:MI'), to_char(close_time, 'HH24:MI')
		FROM facility_hours
		ORDER BY facility_id, weekday, open_time
	`)
	if err != nil {
		return nil, err
	}
	defer hours.Close()
	for hours.Next() {
		var (
			facilityID string
			window     models.OperatingWindow
			weekday    int16
		)
		if err := hours.Scan(&facilityID, &weekday, &window.Open, &window.Close); err != nil {
			return nil, err
		}
		window.Weekday = time.Weekday(weekday)
		if i, ok := index[facilityID]; ok {
			facilities[i].OperatingHours = append(facilities[i].OperatingHours, window)
		}
	}
	if err := hours.Err(); err != nil {
		return nil, err
	}

	sort.Slice(facilities, func(i, j int) bool {
		if facilities[i].Type.Rank() != facilities[j].Type.Rank() {
			return facilities[i].Type.Rank() < facilities[j].Type.Rank()
		}
		return facilities[i].Name < facilities[j].Name
	})
	return facilities, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return getPatient(ctx, s.pool, patientID)
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	return scanAppointment(s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID))
}

func (s *Store) GetQueueEntry(ctx context.Context, queueID string) (models.QueueEntry, error) {
	return scanQueueEntry(s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queue_entries q
		WHERE q.queue_id = $1
	`, queueID))
}

func (s *Store) GetReferral(ctx context.Context, referralID string) (models.Referral, error) {
	return scanReferral(s.pool.QueryRow(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referral_id = $1
	`, referralID))
}

func (s *Store) ListActiveReferrals(ctx context.Context, patientID string) ([]models.Referral, error) {
	return queryReferrals(ctx, s.pool, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE patient_id = $1 AND status = 'active'
		ORDER BY issued_at ASC
	`, patientID)
}

func (s *Store) ListQueueEntries(ctx context.Context, facilityID string, date time.Time) ([]models.QueueEntry, error) {
	return queryQueueEntries(ctx, s.pool, `
		SELECT `+queueColumns+`
		FROM queue_entries q
		JOIN appointments a ON a.appointment_id = q.appointment_id
		WHERE q.facility_id = $1 AND q.scheduled_date = $2::date AND a.status <> 'cancelled'
		ORDER BY q.queue_number ASC
	`, facilityID, formatDate(date))
}

// committedBelow restricts outbox reads to transactions older than every
// transaction still running. Nothing can later appear below that horizon.
const committedBelow = `tx_id < pg_snapshot_xmin(pg_current_snapshot())::text::bigint`

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, aggregate_id, payload_json, created_at, tx_id, seq
		FROM outbox_events
		WHERE (tx_id, seq) > ($1, $2) AND `+committedBelow+`
		ORDER BY tx_id ASC, seq ASC
		LIMIT $3
	`, after.TxID, after.Seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.AggregateID, &event.Payload, &event.CreatedAt,
			&event.TxID, &event.Seq); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) LatestOutboxCursor(ctx context.Context) (store.OutboxCursor, error) {
	var cursor store.OutboxCursor
	err := s.pool.QueryRow(ctx, `
		SELECT tx_id, seq FROM outbox_events
		WHERE `+committedBelow+`
		ORDER BY tx_id DESC, seq DESC
		LIMIT 1
	`).Scan(&cursor.TxID, &cursor.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.OutboxCursor{}, nil
	}
	return cursor, err
}

func (s *Store) GetRelayOffset(ctx context.Context, name string) (store.OutboxCursor, error) {
	var offset store.OutboxCursor
	err := s.pool.QueryRow(ctx, `SELECT last_tx_id, last_seq FROM relay_offsets WHERE name = $1`, name).
		Scan(&offset.TxID, &offset.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.OutboxCursor{}, nil
	}
	return offset, err
}

func (s *Store) UpdateRelayOffset(ctx context.Context, name string, offset store.OutboxCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_offsets (name, last_tx_id, last_seq) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET last_tx_id = EXCLUDED.last_tx_id, last_seq = EXCLUDED.last_seq
	`, name, offset.TxID, offset.Seq)
	return err
}

func getFacility(ctx context.Context, q querier, facilityID string) (models.Facility, error) {
	var f models.Facility
	err := q.QueryRow(ctx, `
		SELECT facility_id, type, name, barangay, slot_capacity
		FROM facilities
		WHERE facility_id = $1
	`, facilityID).Scan(&f.FacilityID, &f.Type, &f.Name, &f.Barangay, &f.SlotCapacity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Facility{}, store.ErrFacilityNotFound
		}
		return models.Facility{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT weekday, to_char(open_time, 'HH24:MI'), to_char(close_time, 'HH24:MI')
		FROM facility_hours
		WHERE facility_id = $1
		ORDER BY weekday, open_time
	`, facilityID)
	if err != nil {
		return models.Facility{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			window  models.OperatingWindow
			weekday int16
		)
		if err := rows.Scan(&weekday, &window.Open, &window.Close); err != nil {
			return models.Facility{}, err
		}
		window.Weekday = time.Weekday(weekday)
		f.OperatingHours = append(f.OperatingHours, window)
	}
	return f, rows.Err()
}

func getPatient(ctx context.Context, q querier, patientID string) (models.Patient, error) {
	var p models.Patient
	var priority int16
	err := q.QueryRow(ctx, `
		SELECT patient_id, priority_level, home_barangay
		FROM patients
		WHERE patient_id = $1
	`, patientID).Scan(&p.PatientID, &priority, &p.HomeBarangay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	p.PriorityLevel = int(priority)
	return p, nil
}

const appointmentColumns = `appointment_id, patient_id, facility_id, service_id, scheduled_date,
		to_char(scheduled_time, 'HH24:MI'), referral_id, status, cancellation_reason, created_by, created_at, updated_at`

func scanAppointment(row pgx.Row) (models.Appointment, error) {
	var (
		a            models.Appointment
		referralID   sql.NullString
		cancelReason sql.NullString
	)
	err := row.Scan(&a.AppointmentID, &a.PatientID, &a.FacilityID, &a.ServiceID, &a.ScheduledDate,
		&a.ScheduledTime, &referralID, &a.Status, &cancelReason, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	a.ScheduledDate = models.DateOf(a.ScheduledDate)
	a.ReferralID = nullStringPtr(referralID)
	a.CancellationReason = nullStringPtr(cancelReason)
	return a, nil
}

func queryAppointments(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Appointment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const queueColumns = `q.queue_id, q.appointment_id, q.facility_id, q.scheduled_date, q.queue_number, q.queue_type,
		q.priority_level, q.status, q.time_in, q.time_started, q.time_completed, q.created_at`

func scanQueueEntry(row pgx.Row) (models.QueueEntry, error) {
	var (
		e         models.QueueEntry
		priority  int16
		timeIn    sql.NullTime
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&e.QueueID, &e.AppointmentID, &e.FacilityID, &e.ScheduledDate, &e.QueueNumber, &e.QueueType,
		&priority, &e.Status, &timeIn, &started, &completed, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrQueueEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	e.ScheduledDate = models.DateOf(e.ScheduledDate)
	e.PriorityLevel = int(priority)
	e.TimeIn = nullTimePtr(timeIn)
	e.TimeStarted = nullTimePtr(started)
	e.TimeCompleted = nullTimePtr(completed)
	return e, nil
}

func queryQueueEntries(ctx context.Context, q querier, query string, args ...interface{}) ([]models.QueueEntry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const referralColumns = `referral_id, patient_id, issued_by_facility_id, referred_to_facility_id, referred_to_tier,
		status, reason, issued_at, expires_at, used_by_appointment_id, used_at`

func scanReferral(row pgx.Row) (models.Referral, error) {
	var (
		r                  models.Referral
		toFacility, toTier sql.NullString
		usedBy             sql.NullString
		usedAt             sql.NullTime
	)
	err := row.Scan(&r.ReferralID, &r.PatientID, &r.IssuedByFacilityID, &toFacility, &toTier,
		&r.Status, &r.Reason, &r.IssuedAt, &r.ExpiresAt, &usedBy, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Referral{}, store.ErrReferralNotFound
		}
		return models.Referral{}, err
	}
	r.ReferredToFacilityID = nullStringPtr(toFacility)
	if toTier.Valid {
		tier := models.FacilityType(toTier.String)
		r.ReferredToTier = &tier
	}
	r.UsedByAppointmentID = nullStringPtr(usedBy)
	r.UsedAt = nullTimePtr(usedAt)
	return r, nil
}

func queryReferrals(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Referral, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// mapUniqueViolation turns the constraints the domain cares about into store
// errors; anything else passes through.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case constraintOnePerFacilityDay:
		return store.ErrDuplicateBooking
	case constraintQueueNumber:
		return store.ErrDuplicateQueueNumber
	}
	return err
}

func formatDate(t time.Time) string {
	return models.DateOf(t).Format(dateLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
