package facility

import (
	"time"

	"wbhsms/scheduling-service/internal/models"
)

// DefaultOperatingHours applies to facilities with no configured windows:
// Monday to Friday, 08:00 to 17:00.
func DefaultOperatingHours() []models.OperatingWindow {
	windows := make([]models.OperatingWindow, 0, 5)
	for day := time.Monday; day <= time.Friday; day++ {
		windows = append(windows, models.OperatingWindow{Weekday: day, Open: "08:00", Close: "17:00"})
	}
	return windows
}

// InHours reports whether slot on date falls inside one of f's windows for
// that weekday. Windows are half-open: Open <= slot < Close.
func InHours(f models.Facility, date time.Time, slot models.TimeSlot) bool {
	minute := slot.Minutes()
	if minute < 0 {
		return false
	}
	windows := f.OperatingHours
	if len(windows) == 0 {
		windows = DefaultOperatingHours()
	}
	weekday := date.Weekday()
	for _, w := range windows {
		if w.Weekday != weekday {
			continue
		}
		open, closing := w.Open.Minutes(), w.Close.Minutes()
		if open < 0 || closing < 0 {
			continue
		}
		if minute >= open && minute < closing {
			return true
		}
	}
	return false
}

// RequiresReferral is true for every tier above the barangay health center.
func RequiresReferral(t models.FacilityType) bool {
	return t.Rank() > models.FacilityBHC.Rank()
}

// CanRefer reports whether a facility of tier from may issue a referral into
// tier to. Referrals only flow upward; BHC may refer straight to CHO.
func CanRefer(from, to models.FacilityType) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}
