package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wbhsms/scheduling-service/internal/booking"
	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/queue"
	"wbhsms/scheduling-service/internal/referral"
	"wbhsms/scheduling-service/internal/store"
	"wbhsms/scheduling-service/internal/updater"
)

type Scheduler interface {
	RequestBooking(ctx context.Context, req booking.Request) (booking.Booking, *booking.Rejection, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	CancelAppointment(ctx context.Context, appointmentID, reason, actorID string) (models.Appointment, error)
	CheckIn(ctx context.Context, appointmentID, actorID string) (models.Appointment, error)
	StartService(ctx context.Context, appointmentID, actorID string) (models.Appointment, error)
	CompleteService(ctx context.Context, appointmentID, actorID string) (models.Appointment, error)
	SkipQueueEntry(ctx context.Context, queueID, actorID string) (models.QueueEntry, error)
}

type Referrals interface {
	IssueReferral(ctx context.Context, input referral.IssueInput) (models.Referral, error)
	GetReferral(ctx context.Context, referralID string) (models.Referral, error)
	HasActiveReferral(ctx context.Context, patientID, facilityID string) (bool, error)
	ConsumeReferral(ctx context.Context, referralID string) (models.Referral, error)
}

type Facilities interface {
	List(ctx context.Context) ([]models.Facility, error)
	HomeFacility(ctx context.Context, patientID string) (models.Facility, error)
}

type Sweeper interface {
	RunAllUpdates(ctx context.Context) (updater.Summary, error)
}

type EventFeed interface {
	ListOutboxEvents(ctx context.Context, after store.OutboxCursor, limit int) ([]store.OutboxEvent, error)
}

type Dependencies struct {
	Scheduler  Scheduler
	Referrals  Referrals
	Facilities Facilities
	Queues     queue.Lister
	Sweeper    Sweeper
	Events     EventFeed
}

type Options struct {
	// Location decides "today" for snapshot requests without a date.
	Location *time.Location
	Now      func() time.Time
}

type Handler struct {
	deps     Dependencies
	location *time.Location
	now      func() time.Time
}

type bookingRequest struct {
	PatientID  string `json:"patient_id"`
	FacilityID string `json:"facility_id"`
	ServiceID  string `json:"service_id"`
	Date       string `json:"date"`
	TimeSlot   string `json:"time_slot"`
	ReferralID string `json:"referral_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type issueReferralRequest struct {
	PatientID            string `json:"patient_id"`
	IssuedByFacilityID   string `json:"issued_by_facility_id"`
	ReferredToFacilityID string `json:"referred_to_facility_id"`
	ReferredToTier       string `json:"referred_to_tier"`
	Reason               string `json:"reason"`
}

type activeReferralResponse struct {
	PatientID  string `json:"patient_id"`
	FacilityID string `json:"facility_id"`
	Active     bool   `json:"active"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(deps Dependencies, options Options) *Handler {
	loc := options.Location
	if loc == nil {
		loc = time.UTC
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{deps: deps, location: loc, now: now}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/facilities", h.handleFacilities)
	mux.HandleFunc("/api/facilities/home", h.handleHomeFacility)
	mux.HandleFunc("/api/bookings", h.handleBookings)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentResource)
	mux.HandleFunc("/api/queue/", h.handleQueueActions)
	mux.HandleFunc("/api/queues/snapshot", h.handleQueueSnapshot)
	mux.HandleFunc("/api/referrals", h.handleReferrals)
	mux.HandleFunc("/api/referrals/active", h.handleActiveReferral)
	mux.HandleFunc("/api/referrals/", h.handleReferralResource)
	mux.HandleFunc("/api/sweeps", h.handleSweeps)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleFacilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	facilities, err := h.deps.Facilities.List(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, facilities)
}

func (h *Handler) handleHomeFacility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if patientID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "patient_id is required")
		return
	}
	facility, err := h.deps.Facilities.HomeFacility(r.Context(), patientID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, facility)
}

func (h *Handler) handleBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req bookingRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	date, err := models.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}

	result, rejection, err := h.deps.Scheduler.RequestBooking(r.Context(), booking.Request{
		PatientID:  req.PatientID,
		FacilityID: req.FacilityID,
		ServiceID:  req.ServiceID,
		Date:       date,
		TimeSlot:   models.TimeSlot(strings.TrimSpace(req.TimeSlot)),
		ReferralID: req.ReferralID,
		ActorID:    actorID,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	if rejection != nil {
		writeError(w, requestIDFromRequest(r), rejectionStatus(rejection.Code), string(rejection.Code), rejection.Message)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleAppointmentResource serves GET /api/appointments/{id} and
// POST /api/appointments/{id}/actions/{action}.
func (h *Handler) handleAppointmentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	appointmentID := parts[0]

	switch {
	case len(parts) == 1 && appointmentID != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(appointmentID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	if len(parts) == 1 {
		appt, err := h.deps.Scheduler.GetAppointment(r.Context(), appointmentID)
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
		return
	}

	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var (
		appt models.Appointment
		err  error
	)
	switch parts[2] {
	case "cancel":
		var req cancelRequest
		if !decodeOptionalRequest(w, r, &req) {
			return
		}
		appt, err = h.deps.Scheduler.CancelAppointment(r.Context(), appointmentID, strings.TrimSpace(req.Reason), actorID)
	case "checkin":
		appt, err = h.deps.Scheduler.CheckIn(r.Context(), appointmentID, actorID)
	case "start":
		appt, err = h.deps.Scheduler.StartService(r.Context(), appointmentID, actorID)
	case "complete":
		appt, err = h.deps.Scheduler.CompleteService(r.Context(), appointmentID, actorID)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "skip" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	entry, err := h.deps.Scheduler.SkipQueueEntry(r.Context(), queueID, actorID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	if facilityID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "facility_id is required")
		return
	}
	date := models.DateOf(h.now().In(h.location))
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := models.ParseDate(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		date = parsed
	}

	snapshot, err := queue.GetQueueSnapshot(r.Context(), h.deps.Queues, facilityID, date)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleReferrals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req issueReferralRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	tier := models.FacilityType(strings.TrimSpace(req.ReferredToTier))
	if tier != "" && !tier.Valid() {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "referred_to_tier must be BHC, DHO or CHO")
		return
	}

	ref, err := h.deps.Referrals.IssueReferral(r.Context(), referral.IssueInput{
		PatientID:            req.PatientID,
		IssuedByFacilityID:   req.IssuedByFacilityID,
		ReferredToFacilityID: req.ReferredToFacilityID,
		ReferredToTier:       tier,
		Reason:               req.Reason,
		ActorID:              actorID,
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (h *Handler) handleActiveReferral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	facilityID := strings.TrimSpace(r.URL.Query().Get("facility_id"))
	if patientID == "" || facilityID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "patient_id and facility_id are required")
		return
	}

	active, err := h.deps.Referrals.HasActiveReferral(r.Context(), patientID, facilityID)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activeReferralResponse{PatientID: patientID, FacilityID: facilityID, Active: active})
}

// handleReferralResource serves GET /api/referrals/{id} and
// POST /api/referrals/{id}/actions/consume.
func (h *Handler) handleReferralResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/referrals/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	referralID := parts[0]

	consume := len(parts) == 3 && parts[1] == "actions" && parts[2] == "consume"
	switch {
	case len(parts) == 1 && referralID != "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	case consume:
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !isValidUUID(referralID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "referral_id must be a UUID")
		return
	}

	var (
		ref models.Referral
		err error
	)
	if consume {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		ref, err = h.deps.Referrals.ConsumeReferral(r.Context(), referralID)
	} else {
		ref, err = h.deps.Referrals.GetReferral(r.Context(), referralID)
	}
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (h *Handler) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}

	summary, err := h.deps.Sweeper.RunAllUpdates(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	status := http.StatusOK
	if summary.Skipped {
		status = http.StatusAccepted
	}
	writeJSON(w, status, summary)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var after store.OutboxCursor
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := store.ParseOutboxCursor(afterRaw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "after must be a <tx_id>-<seq> cursor")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, 500)
	}

	events, err := h.deps.Events.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		writeMappedError(w, r, store.Unavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body and leaves target untouched.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func rejectionStatus(code booking.RejectionCode) int {
	switch code {
	case booking.RejectDuplicateFacilityBooking, booking.RejectSlotFull:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "scheduling_unavailable", "scheduling is temporarily unavailable, retry the request"
	case errors.Is(err, booking.ErrInvalidRequest), errors.Is(err, referral.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrFacilityNotFound):
		return http.StatusNotFound, "facility_not_found", "facility not found"
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrQueueEntryNotFound):
		return http.StatusNotFound, "queue_entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrReferralNotFound):
		return http.StatusNotFound, "referral_not_found", "referral not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "current status does not allow this action"
	case errors.Is(err, store.ErrReferralAlreadyConsumed):
		return http.StatusConflict, "referral_already_consumed", "referral is no longer active"
	case errors.Is(err, store.ErrInvalidReferralTarget):
		return http.StatusUnprocessableEntity, "invalid_referral_target", "referral must target a higher facility tier"
	case errors.Is(err, store.ErrDuplicateBooking):
		return http.StatusConflict, string(booking.RejectDuplicateFacilityBooking), "patient already booked at facility on date"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "scheduling_unavailable", "request timed out, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
