package store

import "wbhsms/scheduling-service/internal/models"

const (
	ActionCheckIn  = "checkin"
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionNoShow   = "no_show"
	ActionSkip     = "skip"
)

var appointmentTransitions = map[string]transition{
	ActionCheckIn:  {from: []string{models.AppointmentConfirmed}, to: models.AppointmentCheckedIn},
	ActionStart:    {from: []string{models.AppointmentCheckedIn}, to: models.AppointmentInProgress},
	ActionComplete: {from: []string{models.AppointmentInProgress}, to: models.AppointmentCompleted},
	ActionCancel:   {from: []string{models.AppointmentConfirmed, models.AppointmentCheckedIn}, to: models.AppointmentCancelled},
	ActionNoShow:   {from: []string{models.AppointmentConfirmed}, to: models.AppointmentNoShow},
}

var queueTransitions = map[string]transition{
	ActionStart:    {from: []string{models.QueueWaiting, models.QueueSkipped}, to: models.QueueInProgress},
	ActionComplete: {from: []string{models.QueueInProgress}, to: models.QueueCompleted},
	ActionSkip:     {from: []string{models.QueueWaiting}, to: models.QueueSkipped},
	ActionNoShow:   {from: []string{models.QueueWaiting, models.QueueSkipped}, to: models.QueueNoShow},
}

type transition struct {
	from []string
	to   string
}

func (t transition) allows(status string) bool {
	for _, s := range t.from {
		if s == status {
			return true
		}
	}
	return false
}

// ValidAppointmentTransition reports whether action may fire on an
// appointment in fromStatus. Terminal statuses never appear as a source.
func ValidAppointmentTransition(action, fromStatus string) bool {
	t, ok := appointmentTransitions[action]
	return ok && t.allows(fromStatus)
}

func AppointmentTarget(action string) (string, bool) {
	t, ok := appointmentTransitions[action]
	return t.to, ok
}

func ValidQueueTransition(action, fromStatus string) bool {
	t, ok := queueTransitions[action]
	return ok && t.allows(fromStatus)
}

func QueueTarget(action string) (string, bool) {
	t, ok := queueTransitions[action]
	return t.to, ok
}
