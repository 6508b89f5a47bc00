package models

import "time"

type QueueEntry struct {
	QueueID       string     `json:"queue_id"`
	AppointmentID string     `json:"appointment_id"`
	FacilityID    string     `json:"facility_id"`
	ScheduledDate time.Time  `json:"scheduled_date"`
	QueueNumber   int        `json:"queue_number"`
	QueueType     string     `json:"queue_type"`
	PriorityLevel int        `json:"priority_level"`
	Status        string     `json:"status"`
	TimeIn        *time.Time `json:"time_in,omitempty"`
	TimeStarted   *time.Time `json:"time_started,omitempty"`
	TimeCompleted *time.Time `json:"time_completed,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

const (
	QueueWaiting    = "waiting"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueueSkipped    = "skipped"
	QueueNoShow     = "no_show"
)

const (
	QueueTypePriority = "priority"
	QueueTypeRegular  = "regular"
)

func (q QueueEntry) Terminal() bool {
	return q.Status == QueueCompleted || q.Status == QueueNoShow
}
