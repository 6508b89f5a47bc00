package models

import "time"

type Referral struct {
	ReferralID           string        `json:"referral_id"`
	PatientID            string        `json:"patient_id"`
	IssuedByFacilityID   string        `json:"issued_by_facility_id"`
	ReferredToFacilityID *string       `json:"referred_to_facility_id,omitempty"`
	ReferredToTier       *FacilityType `json:"referred_to_tier,omitempty"`
	Status               string        `json:"status"`
	Reason               string        `json:"reason"`
	IssuedAt             time.Time     `json:"issued_at"`
	ExpiresAt            time.Time     `json:"expires_at"`
	UsedByAppointmentID  *string       `json:"used_by_appointment_id,omitempty"`
	UsedAt               *time.Time    `json:"used_at,omitempty"`
}

const (
	ReferralActive  = "active"
	ReferralUsed    = "used"
	ReferralExpired = "expired"
)

// Expired reports whether the validity window has passed at now, regardless of
// whether the sweep has flipped the stored status yet.
func (r Referral) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Targets reports whether the referral authorizes booking at f: either it names
// f directly, or it names f's tier without a specific facility.
func (r Referral) Targets(f Facility) bool {
	if r.ReferredToFacilityID != nil {
		return *r.ReferredToFacilityID == f.FacilityID
	}
	if r.ReferredToTier != nil {
		return *r.ReferredToTier == f.Type
	}
	return false
}
