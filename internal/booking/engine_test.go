package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbhsms/scheduling-service/internal/facility"
	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/referral"
	"wbhsms/scheduling-service/internal/store"
	"wbhsms/scheduling-service/internal/store/memory"
)

var (
	testNow = time.Date(2025, 1, 9, 10, 0, 0, 0, time.UTC)
	// Friday.
	testDay = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store  *memory.Store
	engine *Engine
	ledger *referral.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.PutFacilities(
		models.Facility{FacilityID: "BHC25", Type: models.FacilityBHC, Name: "Barangay 25 Health Center", Barangay: "Barangay 25"},
		models.Facility{FacilityID: "BHC26", Type: models.FacilityBHC, Name: "Barangay 26 Health Center", Barangay: "Barangay 26"},
		models.Facility{FacilityID: "DHO3", Type: models.FacilityDHO, Name: "District Health Office 3"},
		models.Facility{FacilityID: "CHO", Type: models.FacilityCHO, Name: "City Health Office"},
	)
	st.PutPatients(
		models.Patient{PatientID: "P1", PriorityLevel: models.PriorityLevelPriority, HomeBarangay: "Barangay 25"},
		models.Patient{PatientID: "P2", PriorityLevel: models.PriorityLevelRegular, HomeBarangay: "Barangay 25"},
	)
	now := func() time.Time { return testNow }
	dir := facility.NewDirectory(st, facility.Options{Now: now})
	return &fixture{
		store:  st,
		engine: NewEngine(st, dir, Options{Now: now, Logger: zerolog.Nop()}),
		ledger: referral.NewLedger(st, referral.Options{Now: now}),
	}
}

func request(patientID, facilityID, slot string) Request {
	return Request{
		PatientID:  patientID,
		FacilityID: facilityID,
		ServiceID:  "consultation",
		Date:       testDay,
		TimeSlot:   models.TimeSlot(slot),
		ActorID:    "staff-1",
	}
}

func (f *fixture) book(t *testing.T, req Request) Booking {
	t.Helper()
	b, rejection, err := f.engine.RequestBooking(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, rejection)
	return b
}

func (f *fixture) rejected(t *testing.T, req Request) RejectionCode {
	t.Helper()
	_, rejection, err := f.engine.RequestBooking(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, rejection)
	return rejection.Code
}

func TestBookingWalkthrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, request("P1", "BHC25", "09:00"))
	assert.Equal(t, models.AppointmentConfirmed, first.Appointment.Status)
	assert.Equal(t, 1, first.QueueEntry.QueueNumber)
	assert.Equal(t, models.QueueTypePriority, first.QueueEntry.QueueType)
	assert.Equal(t, models.QueueWaiting, first.QueueEntry.Status)
	assert.Nil(t, first.Referral)

	assert.Equal(t, RejectReferralRequired, f.rejected(t, request("P1", "DHO3", "10:00")))

	ref, err := f.ledger.IssueReferral(ctx, referral.IssueInput{
		PatientID:            "P1",
		IssuedByFacilityID:   "BHC25",
		ReferredToFacilityID: "DHO3",
		Reason:               "specialist consult",
		ActorID:              "doctor-1",
	})
	require.NoError(t, err)

	req := request("P1", "DHO3", "10:00")
	req.ReferralID = ref.ReferralID
	second := f.book(t, req)
	require.NotNil(t, second.Referral)
	assert.Equal(t, models.ReferralUsed, second.Referral.Status)
	require.NotNil(t, second.Appointment.ReferralID)
	assert.Equal(t, ref.ReferralID, *second.Appointment.ReferralID)
	assert.Equal(t, 1, second.QueueEntry.QueueNumber, "queue numbers are per facility")

	stored, err := f.store.GetReferral(ctx, ref.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralUsed, stored.Status)
	require.NotNil(t, stored.UsedByAppointmentID)
	assert.Equal(t, second.Appointment.AppointmentID, *stored.UsedByAppointmentID)

	assert.Equal(t, RejectDuplicateFacilityBooking, f.rejected(t, request("P1", "BHC25", "14:00")))
}

func TestBookingSameDayDifferentFacilities(t *testing.T) {
	f := newFixture(t)

	f.book(t, request("P2", "BHC25", "09:00"))
	other := f.book(t, request("P2", "BHC26", "13:00"))

	assert.Equal(t, models.QueueTypeRegular, other.QueueEntry.QueueType)
	assert.Len(t, f.store.ListAppointments(), 2)
}

func TestBookingReferralReuseRejected(t *testing.T) {
	f := newFixture(t)
	ref, err := f.ledger.IssueReferral(context.Background(), referral.IssueInput{
		PatientID:          "P2",
		IssuedByFacilityID: "BHC25",
		ReferredToTier:     models.FacilityDHO,
	})
	require.NoError(t, err)

	req := request("P2", "DHO3", "09:00")
	req.ReferralID = ref.ReferralID
	f.book(t, req)

	req.Date = testDay.AddDate(0, 0, 3)
	assert.Equal(t, RejectReferralInvalid, f.rejected(t, req))
}

func TestBookingAutoSelectsMatchingReferral(t *testing.T) {
	f := newFixture(t)
	ref, err := f.ledger.IssueReferral(context.Background(), referral.IssueInput{
		PatientID:            "P2",
		IssuedByFacilityID:   "BHC25",
		ReferredToFacilityID: "CHO",
	})
	require.NoError(t, err)

	assert.Equal(t, RejectReferralRequired, f.rejected(t, request("P2", "DHO3", "09:00")))

	b := f.book(t, request("P2", "CHO", "09:00"))
	require.NotNil(t, b.Referral)
	assert.Equal(t, ref.ReferralID, b.Referral.ReferralID)
}

func TestBookingReferralInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := request("P2", "DHO3", "09:00")
	req.ReferralID = "missing"
	assert.Equal(t, RejectReferralInvalid, f.rejected(t, req))

	wrongTarget, err := f.ledger.IssueReferral(ctx, referral.IssueInput{
		PatientID:            "P2",
		IssuedByFacilityID:   "BHC25",
		ReferredToFacilityID: "CHO",
	})
	require.NoError(t, err)
	req.ReferralID = wrongTarget.ReferralID
	assert.Equal(t, RejectReferralInvalid, f.rejected(t, req))

	otherPatient, err := f.ledger.IssueReferral(ctx, referral.IssueInput{
		PatientID:            "P1",
		IssuedByFacilityID:   "BHC25",
		ReferredToFacilityID: "DHO3",
	})
	require.NoError(t, err)
	req.ReferralID = otherPatient.ReferralID
	assert.Equal(t, RejectReferralInvalid, f.rejected(t, req))

	f.store.PutReferral(models.Referral{
		ReferralID:           "stale",
		PatientID:            "P2",
		IssuedByFacilityID:   "BHC25",
		ReferredToFacilityID: strPtr("DHO3"),
		Status:               models.ReferralActive,
		IssuedAt:             testNow.AddDate(0, -2, 0),
		ExpiresAt:            testNow.Add(-time.Hour),
	})
	req.ReferralID = "stale"
	assert.Equal(t, RejectReferralInvalid, f.rejected(t, req))
}

func TestBookingReferralAtBHCIsNotConsumed(t *testing.T) {
	f := newFixture(t)
	ref, err := f.ledger.IssueReferral(context.Background(), referral.IssueInput{
		PatientID:          "P2",
		IssuedByFacilityID: "BHC26",
		ReferredToTier:     models.FacilityDHO,
	})
	require.NoError(t, err)

	req := request("P2", "BHC25", "09:00")
	req.ReferralID = ref.ReferralID
	b := f.book(t, req)
	assert.Nil(t, b.Referral)
	assert.Nil(t, b.Appointment.ReferralID)

	stored, err := f.store.GetReferral(context.Background(), ref.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralActive, stored.Status)
}

func TestBookingOutOfHours(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, RejectOutOfHours, f.rejected(t, request("P2", "BHC25", "07:30")))
	assert.Equal(t, RejectOutOfHours, f.rejected(t, request("P2", "BHC25", "17:00")))

	weekend := request("P2", "BHC25", "09:00")
	weekend.Date = testDay.AddDate(0, 0, 1)
	assert.Equal(t, RejectOutOfHours, f.rejected(t, weekend))

	f.book(t, request("P2", "BHC25", "16:30"))
}

func TestBookingRuleOrder(t *testing.T) {
	f := newFixture(t)
	// Duplicate is checked before hours: the second request is out of hours
	// and a duplicate, and reports the duplicate.
	f.book(t, request("P2", "BHC25", "09:00"))
	assert.Equal(t, RejectDuplicateFacilityBooking, f.rejected(t, request("P2", "BHC25", "18:00")))

	// Referral is checked before everything else.
	assert.Equal(t, RejectReferralRequired, f.rejected(t, request("P2", "DHO3", "18:00")))
}

func TestBookingSlotCapacityUnderContention(t *testing.T) {
	f := newFixture(t)
	const attempts = 35
	for i := 0; i < attempts; i++ {
		f.store.PutPatients(models.Patient{PatientID: fmt.Sprintf("C%02d", i), PriorityLevel: models.PriorityLevelRegular})
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []Booking
		full     int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, rejection, err := f.engine.RequestBooking(context.Background(), request(fmt.Sprintf("C%02d", i), "BHC25", "10:00"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			case rejection != nil:
				if rejection.Code != RejectSlotFull {
					t.Errorf("unexpected rejection: %s", rejection.Code)
				}
				full++
			default:
				accepted = append(accepted, b)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, accepted, models.DefaultSlotCapacity)
	assert.Equal(t, attempts-models.DefaultSlotCapacity, full)

	seen := make(map[int]bool)
	for _, b := range accepted {
		assert.False(t, seen[b.QueueEntry.QueueNumber], "queue number %d issued twice", b.QueueEntry.QueueNumber)
		seen[b.QueueEntry.QueueNumber] = true
	}
	for n := 1; n <= models.DefaultSlotCapacity; n++ {
		assert.True(t, seen[n], "queue number %d missing", n)
	}
}

func TestBookingQueueNumbersSkipCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.book(t, request("P1", "BHC25", "09:00"))
	_, err := f.engine.CancelAppointment(ctx, first.Appointment.AppointmentID, "conflict", "staff-1")
	require.NoError(t, err)

	second := f.book(t, request("P2", "BHC25", "09:00"))
	assert.Equal(t, 2, second.QueueEntry.QueueNumber)

	again := f.book(t, request("P1", "BHC25", "11:00"))
	assert.Equal(t, 3, again.QueueEntry.QueueNumber)
}

func TestBookingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.RequestBooking(ctx, request("", "BHC25", "09:00"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = f.engine.RequestBooking(ctx, request("P1", "BHC25", "9am"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = f.engine.RequestBooking(ctx, request("P1", "nowhere", "09:00"))
	assert.ErrorIs(t, err, store.ErrFacilityNotFound)

	_, _, err = f.engine.RequestBooking(ctx, request("ghost", "BHC25", "09:00"))
	assert.ErrorIs(t, err, store.ErrPatientNotFound)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) WithinTx(context.Context, func(store.Tx) error) error {
	return errors.New("connection reset")
}

func TestBookingStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(failingStore{f.store}, facility.NewDirectory(f.store, facility.Options{}), Options{Now: func() time.Time { return testNow }})

	_, rejection, err := engine.RequestBooking(context.Background(), request("P1", "BHC25", "09:00"))
	assert.Nil(t, rejection)
	assert.ErrorIs(t, err, ErrSchedulingUnavailable)
	assert.Empty(t, f.store.ListAppointments())
}

func strPtr(s string) *string { return &s }
