package referral

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
	"wbhsms/scheduling-service/internal/store/memory"
)

var issuedAt = time.Date(2025, 1, 9, 8, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, now *time.Time) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	st.PutFacilities(
		models.Facility{FacilityID: "BHC25", Type: models.FacilityBHC, Name: "BHC 25"},
		models.Facility{FacilityID: "DHO3", Type: models.FacilityDHO, Name: "DHO 3"},
		models.Facility{FacilityID: "DHO4", Type: models.FacilityDHO, Name: "DHO 4"},
		models.Facility{FacilityID: "CHO", Type: models.FacilityCHO, Name: "CHO"},
	)
	st.PutPatients(models.Patient{PatientID: "P1", PriorityLevel: models.PriorityLevelRegular})
	return NewLedger(st, Options{Now: func() time.Time { return *now }}), st
}

func TestIssueReferral(t *testing.T) {
	now := issuedAt
	ledger, _ := newLedger(t, &now)
	ctx := context.Background()

	ref, err := ledger.IssueReferral(ctx, IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToFacilityID: "DHO3", Reason: " x-ray "})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralActive, ref.Status)
	assert.Equal(t, "x-ray", ref.Reason)
	assert.Equal(t, issuedAt.Add(DefaultValidity), ref.ExpiresAt)
	require.NotNil(t, ref.ReferredToFacilityID)
	assert.Nil(t, ref.ReferredToTier)

	_, err = ledger.IssueReferral(ctx, IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToTier: models.FacilityCHO})
	require.NoError(t, err)
	_, err = ledger.IssueReferral(ctx, IssueInput{PatientID: "P1", IssuedByFacilityID: "DHO3", ReferredToFacilityID: "CHO"})
	require.NoError(t, err)
}

func TestIssueReferralRejectsBadTargets(t *testing.T) {
	now := issuedAt
	ledger, _ := newLedger(t, &now)
	ctx := context.Background()

	cases := []struct {
		name  string
		input IssueInput
		err   error
	}{
		{"sideways", IssueInput{PatientID: "P1", IssuedByFacilityID: "DHO3", ReferredToFacilityID: "DHO4"}, store.ErrInvalidReferralTarget},
		{"downward", IssueInput{PatientID: "P1", IssuedByFacilityID: "CHO", ReferredToTier: models.FacilityBHC}, store.ErrInvalidReferralTarget},
		{"unknown tier", IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToTier: "HOSPITAL"}, store.ErrInvalidReferralTarget},
		{"no target", IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25"}, ErrInvalidInput},
		{"both targets", IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToFacilityID: "DHO3", ReferredToTier: models.FacilityDHO}, ErrInvalidInput},
		{"unknown patient", IssueInput{PatientID: "P9", IssuedByFacilityID: "BHC25", ReferredToFacilityID: "DHO3"}, store.ErrPatientNotFound},
		{"unknown facility", IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToFacilityID: "DHO9"}, store.ErrFacilityNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ledger.IssueReferral(ctx, tc.input)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConsumeReferralIsSingleUse(t *testing.T) {
	now := issuedAt
	ledger, _ := newLedger(t, &now)
	ctx := context.Background()

	ref, err := ledger.IssueReferral(ctx, IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToFacilityID: "DHO3"})
	require.NoError(t, err)

	ok, err := ledger.HasActiveReferral(ctx, "P1", "DHO3")
	require.NoError(t, err)
	assert.True(t, ok)

	used, err := ledger.ConsumeReferral(ctx, ref.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralUsed, used.Status)
	require.NotNil(t, used.UsedAt)

	_, err = ledger.ConsumeReferral(ctx, ref.ReferralID)
	assert.ErrorIs(t, err, store.ErrReferralAlreadyConsumed)

	ok, err = ledger.HasActiveReferral(ctx, "P1", "DHO3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.ConsumeReferral(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrReferralNotFound)
}

func TestExpiredReferralCannotBeConsumed(t *testing.T) {
	now := issuedAt
	ledger, _ := newLedger(t, &now)
	ctx := context.Background()

	ref, err := ledger.IssueReferral(ctx, IssueInput{PatientID: "P1", IssuedByFacilityID: "BHC25", ReferredToTier: models.FacilityDHO})
	require.NoError(t, err)

	now = ref.ExpiresAt
	ok, err := ledger.HasActiveReferral(ctx, "P1", "DHO4")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.ConsumeReferral(ctx, ref.ReferralID)
	assert.ErrorIs(t, err, store.ErrReferralAlreadyConsumed)
}

func TestMatchPrefersOldestTargetingReferral(t *testing.T) {
	dho := models.Facility{FacilityID: "DHO3", Type: models.FacilityDHO}
	tier := models.FacilityDHO
	cho := "CHO"
	direct := "DHO3"
	refs := []models.Referral{
		{ReferralID: "newer", PatientID: "P1", Status: models.ReferralActive, ReferredToTier: &tier, IssuedAt: issuedAt.Add(time.Hour)},
		{ReferralID: "wrong-target", PatientID: "P1", Status: models.ReferralActive, ReferredToFacilityID: &cho, IssuedAt: issuedAt.Add(-2 * time.Hour)},
		{ReferralID: "used", PatientID: "P1", Status: models.ReferralUsed, ReferredToFacilityID: &direct, IssuedAt: issuedAt.Add(-3 * time.Hour)},
		{ReferralID: "oldest", PatientID: "P1", Status: models.ReferralActive, ReferredToFacilityID: &direct, IssuedAt: issuedAt},
	}

	got, ok := Match(refs, "P1", dho, issuedAt.Add(2*time.Hour))
	require.True(t, ok)
	assert.Equal(t, "oldest", got.ReferralID)

	_, ok = Match(refs, "P2", dho, issuedAt)
	assert.False(t, ok)
}
