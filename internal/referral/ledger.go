// Package referral tracks authorizations that let a patient book at a
// higher-tier facility. It is the only gate against tier-skipping.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wbhsms/scheduling-service/internal/facility"
	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

const DefaultValidity = 30 * 24 * time.Hour

var ErrInvalidInput = errors.New("invalid referral input")

type Ledger struct {
	store    store.Store
	validity time.Duration
	now      func() time.Time
}

type Options struct {
	Validity time.Duration
	Now      func() time.Time
}

func NewLedger(st store.Store, options Options) *Ledger {
	validity := options.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: st, validity: validity, now: now}
}

type IssueInput struct {
	PatientID            string
	IssuedByFacilityID   string
	ReferredToFacilityID string
	ReferredToTier       models.FacilityType
	Reason               string
	ActorID              string
}

// IssueReferral records a referral from one facility to a facility (or any
// facility of a tier) above it.
func (l *Ledger) IssueReferral(ctx context.Context, input IssueInput) (models.Referral, error) {
	input.PatientID = strings.TrimSpace(input.PatientID)
	input.IssuedByFacilityID = strings.TrimSpace(input.IssuedByFacilityID)
	input.ReferredToFacilityID = strings.TrimSpace(input.ReferredToFacilityID)
	if input.PatientID == "" || input.IssuedByFacilityID == "" {
		return models.Referral{}, fmt.Errorf("%w: patient and issuing facility are required", ErrInvalidInput)
	}
	if (input.ReferredToFacilityID == "") == (input.ReferredToTier == "") {
		return models.Referral{}, fmt.Errorf("%w: exactly one of target facility or target tier is required", ErrInvalidInput)
	}

	now := l.now().UTC()
	ref := models.Referral{
		ReferralID:         uuid.NewString(),
		PatientID:          input.PatientID,
		IssuedByFacilityID: input.IssuedByFacilityID,
		Status:             models.ReferralActive,
		Reason:             strings.TrimSpace(input.Reason),
		IssuedAt:           now,
		ExpiresAt:          now.Add(l.validity),
	}

	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPatient(ctx, input.PatientID); err != nil {
			return err
		}
		issuer, err := tx.GetFacility(ctx, input.IssuedByFacilityID)
		if err != nil {
			return err
		}
		targetTier := input.ReferredToTier
		if input.ReferredToFacilityID != "" {
			target, err := tx.GetFacility(ctx, input.ReferredToFacilityID)
			if err != nil {
				return err
			}
			targetTier = target.Type
			id := target.FacilityID
			ref.ReferredToFacilityID = &id
		} else {
			tier := input.ReferredToTier
			ref.ReferredToTier = &tier
		}
		if !facility.CanRefer(issuer.Type, targetTier) {
			return store.ErrInvalidReferralTarget
		}
		if err := tx.InsertReferral(ctx, ref); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, store.EventReferralIssued, ref.ReferralID, ref)
	})
	if err != nil {
		return models.Referral{}, store.Unavailable(err, ErrInvalidInput)
	}
	return ref, nil
}

// HasActiveReferral reports whether patientID holds an active, unexpired
// referral that authorizes booking at facilityID.
func (l *Ledger) HasActiveReferral(ctx context.Context, patientID, facilityID string) (bool, error) {
	target, err := l.store.GetFacility(ctx, facilityID)
	if err != nil {
		return false, store.Unavailable(err)
	}
	refs, err := l.store.ListActiveReferrals(ctx, patientID)
	if err != nil {
		return false, store.Unavailable(err)
	}
	_, ok := Match(refs, patientID, target, l.now())
	return ok, nil
}

// ConsumeReferral marks an active referral used outside of a booking. A used
// or expired referral fails with store.ErrReferralAlreadyConsumed.
func (l *Ledger) ConsumeReferral(ctx context.Context, referralID string) (models.Referral, error) {
	var consumed models.Referral
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		ref, err := tx.LockReferral(ctx, referralID)
		if err != nil {
			return err
		}
		consumed, err = Consume(ctx, tx, ref, "", l.now())
		return err
	})
	if err != nil {
		return models.Referral{}, store.Unavailable(err)
	}
	return consumed, nil
}

func (l *Ledger) GetReferral(ctx context.Context, referralID string) (models.Referral, error) {
	ref, err := l.store.GetReferral(ctx, referralID)
	return ref, store.Unavailable(err)
}

// Usable reports whether ref can still be consumed by patientID at now.
func Usable(ref models.Referral, patientID string, now time.Time) bool {
	return ref.PatientID == patientID && ref.Status == models.ReferralActive && !ref.Expired(now)
}

// Match picks the oldest usable referral authorizing target.
func Match(refs []models.Referral, patientID string, target models.Facility, now time.Time) (models.Referral, bool) {
	var best models.Referral
	found := false
	for _, ref := range refs {
		if !Usable(ref, patientID, now) || !ref.Targets(target) {
			continue
		}
		if !found || ref.IssuedAt.Before(best.IssuedAt) {
			best = ref
			found = true
		}
	}
	return best, found
}

// Consume flips a locked referral from active to used inside tx. The caller
// must hold the row lock from tx.LockReferral or tx.LockActiveReferrals.
func Consume(ctx context.Context, tx store.Tx, ref models.Referral, appointmentID string, now time.Time) (models.Referral, error) {
	if ref.Status != models.ReferralActive || ref.Expired(now) {
		return models.Referral{}, store.ErrReferralAlreadyConsumed
	}
	usedAt := now.UTC()
	ref.Status = models.ReferralUsed
	ref.UsedAt = &usedAt
	if appointmentID != "" {
		id := appointmentID
		ref.UsedByAppointmentID = &id
	}
	if err := tx.UpdateReferral(ctx, ref); err != nil {
		return models.Referral{}, err
	}
	if err := tx.AppendEvent(ctx, store.EventReferralConsumed, ref.ReferralID, ref); err != nil {
		return models.Referral{}, err
	}
	return ref, nil
}
