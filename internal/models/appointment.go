package models

import "time"

type Appointment struct {
	AppointmentID      string    `json:"appointment_id"`
	PatientID          string    `json:"patient_id"`
	FacilityID         string    `json:"facility_id"`
	ServiceID          string    `json:"service_id"`
	ScheduledDate      time.Time `json:"scheduled_date"`
	ScheduledTime      TimeSlot  `json:"scheduled_time"`
	ReferralID         *string   `json:"referral_id,omitempty"`
	Status             string    `json:"status"`
	CancellationReason *string   `json:"cancellation_reason,omitempty"`
	CreatedBy          string    `json:"created_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const (
	AppointmentConfirmed  = "confirmed"
	AppointmentCheckedIn  = "checked_in"
	AppointmentInProgress = "in_progress"
	AppointmentCompleted  = "completed"
	AppointmentCancelled  = "cancelled"
	AppointmentNoShow     = "no_show"
)

func (a Appointment) Terminal() bool {
	switch a.Status {
	case AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

func (a Appointment) SlotStart() time.Time {
	return SlotStart(a.ScheduledDate, a.ScheduledTime)
}

type Patient struct {
	PatientID     string `json:"patient_id"`
	PriorityLevel int    `json:"priority_level"`
	HomeBarangay  string `json:"home_barangay,omitempty"`
}

const (
	PriorityLevelPriority = 1
	PriorityLevelRegular  = 2
)

func (p Patient) IsPriority() bool {
	return p.PriorityLevel == PriorityLevelPriority
}
