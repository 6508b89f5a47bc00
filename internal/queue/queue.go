// Package queue mints facility/date-scoped queue numbers and defines the
// order in which waiting patients are served.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

// TypeFor derives the queue type from a patient's priority level.
func TypeFor(priorityLevel int) string {
	if priorityLevel == models.PriorityLevelPriority {
		return models.QueueTypePriority
	}
	return models.QueueTypeRegular
}

// AssignQueueNumber appends a queue entry for appointment inside tx. Numbers
// come from the (facility, date) counter regardless of priority; priority only
// sets the tag. The counter row stays locked until tx ends.
func AssignQueueNumber(ctx context.Context, tx store.Tx, appointment models.Appointment, priorityLevel int, now time.Time) (models.QueueEntry, error) {
	number, err := tx.NextQueueNumber(ctx, appointment.FacilityID, appointment.ScheduledDate)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("next queue number: %w", err)
	}
	if priorityLevel != models.PriorityLevelPriority {
		priorityLevel = models.PriorityLevelRegular
	}
	entry := models.QueueEntry{
		QueueID:       uuid.NewString(),
		AppointmentID: appointment.AppointmentID,
		FacilityID:    appointment.FacilityID,
		ScheduledDate: appointment.ScheduledDate,
		QueueNumber:   number,
		QueueType:     TypeFor(priorityLevel),
		PriorityLevel: priorityLevel,
		Status:        models.QueueWaiting,
		CreatedAt:     now,
	}
	if err := tx.InsertQueueEntry(ctx, entry); err != nil {
		return models.QueueEntry{}, fmt.Errorf("insert queue entry: %w", err)
	}
	return entry, nil
}

// Order returns the live portion of the line in serving order: entries being
// served, then waiting entries with priority ahead of regular and lower
// numbers first within a class, then skipped entries. Terminal entries are
// dropped. The input slice is not modified.
func Order(entries []models.QueueEntry) []models.QueueEntry {
	ordered := make([]models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Terminal() {
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if a.Status == models.QueueWaiting {
			if pa, pb := classRank(a), classRank(b); pa != pb {
				return pa < pb
			}
		}
		return a.QueueNumber < b.QueueNumber
	})
	return ordered
}

// Next picks the entry that should be called next, if any.
func Next(entries []models.QueueEntry) (models.QueueEntry, bool) {
	for _, e := range Order(entries) {
		if e.Status == models.QueueWaiting || e.Status == models.QueueSkipped {
			return e, true
		}
	}
	return models.QueueEntry{}, false
}

func statusRank(status string) int {
	switch status {
	case models.QueueInProgress:
		return 0
	case models.QueueWaiting:
		return 1
	case models.QueueSkipped:
		return 2
	default:
		return 3
	}
}

func classRank(e models.QueueEntry) int {
	if e.QueueType == models.QueueTypePriority {
		return 0
	}
	return 1
}
