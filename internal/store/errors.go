package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrFacilityNotFound        = errors.New("facility not found")
	ErrPatientNotFound         = errors.New("patient not found")
	ErrAppointmentNotFound     = errors.New("appointment not found")
	ErrQueueEntryNotFound      = errors.New("queue entry not found")
	ErrReferralNotFound        = errors.New("referral not found")
	ErrInvalidState            = errors.New("invalid state for transition")
	ErrDuplicateBooking        = errors.New("patient already booked at facility on date")
	ErrDuplicateQueueNumber    = errors.New("queue number already issued")
	ErrReferralAlreadyConsumed = errors.New("referral already consumed")
	ErrInvalidReferralTarget   = errors.New("referral must target a higher facility tier")
	ErrSchemaMismatch          = errors.New("database schema version mismatch")

	// ErrUnavailable marks a persistence failure. Nothing was committed, so
	// the caller may retry the whole request.
	ErrUnavailable = errors.New("scheduling unavailable")
)

var domainErrors = []error{
	ErrFacilityNotFound,
	ErrPatientNotFound,
	ErrAppointmentNotFound,
	ErrQueueEntryNotFound,
	ErrReferralNotFound,
	ErrInvalidState,
	ErrDuplicateBooking,
	ErrDuplicateQueueNumber,
	ErrReferralAlreadyConsumed,
	ErrInvalidReferralTarget,
}

// Unavailable passes through nil, domain errors, caller cancellation and any
// of expected. Everything else is wrapped in ErrUnavailable.
func Unavailable(err error, expected ...error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || errors.Is(err, context.Canceled) {
		return err
	}
	for _, known := range domainErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	for _, known := range expected {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
