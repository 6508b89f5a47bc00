package queue

import (
	"context"
	"time"

	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

type Lister interface {
	ListQueueEntries(ctx context.Context, facilityID string, date time.Time) ([]models.QueueEntry, error)
}

type SnapshotEntry struct {
	models.QueueEntry
	Position int `json:"position"`
}

type Snapshot struct {
	FacilityID string          `json:"facility_id"`
	Date       string          `json:"date"`
	Serving    int             `json:"serving"`
	Waiting    int             `json:"waiting"`
	Skipped    int             `json:"skipped"`
	Entries    []SnapshotEntry `json:"entries"`
}

// GetQueueSnapshot reads the committed line for (facilityID, date) and lays it
// out in serving order for waiting-room displays.
func GetQueueSnapshot(ctx context.Context, lister Lister, facilityID string, date time.Time) (Snapshot, error) {
	day := models.DateOf(date)
	entries, err := lister.ListQueueEntries(ctx, facilityID, day)
	if err != nil {
		return Snapshot{}, store.Unavailable(err)
	}
	snapshot := Snapshot{
		FacilityID: facilityID,
		Date:       models.FormatDate(day),
		Entries:    []SnapshotEntry{},
	}
	for i, e := range Order(entries) {
		switch e.Status {
		case models.QueueInProgress:
			snapshot.Serving++
		case models.QueueWaiting:
			snapshot.Waiting++
		case models.QueueSkipped:
			snapshot.Skipped++
		}
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{QueueEntry: e, Position: i + 1})
	}
	return snapshot, nil
}
