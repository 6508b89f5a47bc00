// Package booking decides whether a patient may book a facility slot and, on
// acceptance, writes the appointment, referral consumption and queue entry in
// one transaction.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"wbhsms/scheduling-service/internal/facility"
	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/queue"
	"wbhsms/scheduling-service/internal/referral"
	"wbhsms/scheduling-service/internal/store"
)

const instrumentationName = "wbhsms/scheduling-service/booking"

var (
	// ErrSchedulingUnavailable wraps persistence failures. Nothing was
	// committed, so the caller may retry the whole request.
	ErrSchedulingUnavailable = store.ErrUnavailable
	ErrInvalidRequest        = errors.New("invalid booking request")
)

type RejectionCode string

const (
	RejectReferralRequired         RejectionCode = "REFERRAL_REQUIRED"
	RejectReferralInvalid          RejectionCode = "REFERRAL_INVALID"
	RejectDuplicateFacilityBooking RejectionCode = "DUPLICATE_FACILITY_BOOKING"
	RejectSlotFull                 RejectionCode = "SLOT_FULL"
	RejectOutOfHours               RejectionCode = "OUT_OF_HOURS"
)

// Rejection is an expected, user-facing refusal. It satisfies error only so a
// transaction closure can abort with it.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Message
}

func reject(code RejectionCode, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

type Request struct {
	PatientID  string
	FacilityID string
	ServiceID  string
	Date       time.Time
	TimeSlot   models.TimeSlot
	ReferralID string
	ActorID    string
}

type Booking struct {
	Appointment models.Appointment `json:"appointment"`
	QueueEntry  models.QueueEntry  `json:"queue_entry"`
	Referral    *models.Referral   `json:"referral,omitempty"`
}

type FacilityLookup interface {
	Get(ctx context.Context, facilityID string) (models.Facility, error)
}

type Engine struct {
	store      store.Store
	facilities FacilityLookup
	now        func() time.Time
	logger     zerolog.Logger
	tracer     trace.Tracer
	bookings   metric.Int64Counter
	rejections metric.Int64Counter
}

type Options struct {
	Now    func() time.Time
	Logger zerolog.Logger
}

func NewEngine(st store.Store, facilities FacilityLookup, options Options) *Engine {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	meter := otel.Meter(instrumentationName)
	bookings, _ := meter.Int64Counter("scheduling.bookings",
		metric.WithDescription("Accepted appointment bookings"))
	rejections, _ := meter.Int64Counter("scheduling.rejections",
		metric.WithDescription("Rejected booking requests by reason code"))
	return &Engine{
		store:      st,
		facilities: facilities,
		now:        now,
		logger:     options.Logger.With().Str("component", "booking").Logger(),
		tracer:     otel.Tracer(instrumentationName),
		bookings:   bookings,
		rejections: rejections,
	}
}

// RequestBooking runs the rule sequence and either commits a booking or
// returns the first rule that refused it. Exactly one of the booking, the
// rejection or the error is meaningful.
func (e *Engine) RequestBooking(ctx context.Context, req Request) (Booking, *Rejection, error) {
	ctx, span := e.tracer.Start(ctx, "booking.RequestBooking", trace.WithAttributes(
		attribute.String("facility_id", req.FacilityID),
		attribute.String("patient_id", req.PatientID),
	))
	defer span.End()

	if err := validate(&req); err != nil {
		return Booking{}, nil, err
	}

	target, err := e.facilities.Get(ctx, req.FacilityID)
	if err != nil {
		return Booking{}, nil, e.classify(span, err)
	}

	now := e.now()
	var result Booking
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		b, err := e.book(ctx, tx, req, target, now)
		if err != nil {
			return err
		}
		result = b
		return nil
	})

	var rejection *Rejection
	if errors.As(err, &rejection) {
		span.SetAttributes(attribute.String("rejection", string(rejection.Code)))
		if e.rejections != nil {
			e.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(rejection.Code))))
		}
		e.logger.Info().
			Str("patient_id", req.PatientID).
			Str("facility_id", req.FacilityID).
			Str("date", models.FormatDate(req.Date)).
			Str("slot", string(req.TimeSlot)).
			Str("code", string(rejection.Code)).
			Msg("booking rejected")
		return Booking{}, rejection, nil
	}
	if err != nil {
		return Booking{}, nil, e.classify(span, err)
	}

	if e.bookings != nil {
		e.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("facility_type", string(target.Type))))
	}
	e.logger.Info().
		Str("appointment_id", result.Appointment.AppointmentID).
		Str("facility_id", target.FacilityID).
		Int("queue_number", result.QueueEntry.QueueNumber).
		Str("queue_type", result.QueueEntry.QueueType).
		Str("actor_id", req.ActorID).
		Msg("booking confirmed")
	return result, nil, nil
}

func (e *Engine) book(ctx context.Context, tx store.Tx, req Request, target models.Facility, now time.Time) (Booking, error) {
	patient, err := tx.GetPatient(ctx, req.PatientID)
	if err != nil {
		return Booking{}, err
	}

	ref, err := e.resolveReferral(ctx, tx, req, target, now)
	if err != nil {
		return Booking{}, err
	}

	taken, err := tx.HasFacilityBooking(ctx, req.PatientID, target.FacilityID, req.Date)
	if err != nil {
		return Booking{}, err
	}
	if taken {
		return Booking{}, reject(RejectDuplicateFacilityBooking, "patient already has an appointment at this facility on this date")
	}

	occupied, err := tx.LockSlot(ctx, target.FacilityID, req.Date, req.TimeSlot)
	if err != nil {
		return Booking{}, err
	}
	if occupied >= target.Capacity() {
		return Booking{}, reject(RejectSlotFull, fmt.Sprintf("slot %s is full (%d/%d)", req.TimeSlot, occupied, target.Capacity()))
	}

	if !facility.InHours(target, req.Date, req.TimeSlot) {
		return Booking{}, reject(RejectOutOfHours, fmt.Sprintf("%s is outside operating hours", req.TimeSlot))
	}

	appointment := models.Appointment{
		AppointmentID: uuid.NewString(),
		PatientID:     patient.PatientID,
		FacilityID:    target.FacilityID,
		ServiceID:     req.ServiceID,
		ScheduledDate: req.Date,
		ScheduledTime: req.TimeSlot,
		Status:        models.AppointmentConfirmed,
		CreatedBy:     req.ActorID,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if ref != nil {
		id := ref.ReferralID
		appointment.ReferralID = &id
	}
	if err := tx.InsertAppointment(ctx, appointment); err != nil {
		if errors.Is(err, store.ErrDuplicateBooking) {
			return Booking{}, reject(RejectDuplicateFacilityBooking, "patient already has an appointment at this facility on this date")
		}
		return Booking{}, err
	}

	result := Booking{Appointment: appointment}
	if ref != nil {
		used, err := referral.Consume(ctx, tx, *ref, appointment.AppointmentID, now)
		if err != nil {
			return Booking{}, err
		}
		result.Referral = &used
	}

	entry, err := queue.AssignQueueNumber(ctx, tx, appointment, patient.PriorityLevel, now.UTC())
	if err != nil {
		return Booking{}, err
	}
	result.QueueEntry = entry

	if err := tx.AppendEvent(ctx, store.EventAppointmentBooked, appointment.AppointmentID, result); err != nil {
		return Booking{}, err
	}
	return result, nil
}

// resolveReferral applies the tier requirement and referral validity rules.
// It returns the referral to consume, or nil when none applies.
func (e *Engine) resolveReferral(ctx context.Context, tx store.Tx, req Request, target models.Facility, now time.Time) (*models.Referral, error) {
	required := facility.RequiresReferral(target.Type)

	if req.ReferralID == "" {
		if !required {
			return nil, nil
		}
		refs, err := tx.LockActiveReferrals(ctx, req.PatientID)
		if err != nil {
			return nil, err
		}
		ref, ok := referral.Match(refs, req.PatientID, target, now)
		if !ok {
			return nil, reject(RejectReferralRequired, fmt.Sprintf("%s bookings require an active referral", target.Type))
		}
		return &ref, nil
	}

	ref, err := tx.LockReferral(ctx, req.ReferralID)
	if errors.Is(err, store.ErrReferralNotFound) {
		return nil, reject(RejectReferralInvalid, "referral does not exist")
	}
	if err != nil {
		return nil, err
	}
	if !referral.Usable(ref, req.PatientID, now) {
		return nil, reject(RejectReferralInvalid, "referral is not active for this patient")
	}
	if !required {
		// Lower tiers need no referral; a valid one is left unconsumed.
		return nil, nil
	}
	if !ref.Targets(target) {
		return nil, reject(RejectReferralInvalid, "referral does not target this facility")
	}
	return &ref, nil
}

func (e *Engine) classify(span trace.Span, err error) error {
	err = store.Unavailable(err, ErrInvalidRequest)
	if errors.Is(err, store.ErrUnavailable) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error().Err(err).Msg("scheduling store failure")
	}
	return err
}

func validate(req *Request) error {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.FacilityID = strings.TrimSpace(req.FacilityID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.ReferralID = strings.TrimSpace(req.ReferralID)
	if req.PatientID == "" || req.FacilityID == "" || req.ServiceID == "" {
		return fmt.Errorf("%w: patient, facility and service are required", ErrInvalidRequest)
	}
	if req.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}
	slot, err := models.ParseTimeSlot(string(req.TimeSlot))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.TimeSlot = slot
	req.Date = models.DateOf(req.Date)
	return nil
}
