// Package updater advances appointments, referrals and queue entries whose
// time has passed. Every rule is idempotent: rows already in a terminal
// state are never selected, so a second run right after a first finds nothing.
package updater

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"wbhsms/scheduling-service/internal/lock"
	"wbhsms/scheduling-service/internal/models"
	"wbhsms/scheduling-service/internal/store"
)

const (
	instrumentationName = "wbhsms/scheduling-service/updater"
	lockName            = "status-sweep"

	RuleAppointmentNoShow = "appointment_no_show"
	RuleReferralExpiry    = "referral_expiry"
	RuleStaleQueueClose   = "stale_queue_close"

	DefaultNoShowGrace = 30 * time.Minute
	DefaultBatchSize   = 100
	DefaultLockTTL     = 2 * time.Minute
)

type Summary struct {
	UpdatedCount int            `json:"updated_count"`
	PerRule      map[string]int `json:"per_rule"`
	Failed       int            `json:"failed"`
	// Skipped is set when another instance held the sweep lock.
	Skipped bool `json:"skipped"`
}

type Options struct {
	Now         func() time.Time
	Location    *time.Location
	NoShowGrace time.Duration
	BatchSize   int
	Locker      lock.Locker
	LockTTL     time.Duration
	Logger      zerolog.Logger
}

type Updater struct {
	store       store.Store
	now         func() time.Time
	location    *time.Location
	grace       time.Duration
	batchSize   int
	locker      lock.Locker
	lockTTL     time.Duration
	logger      zerolog.Logger
	tracer      trace.Tracer
	transitions metric.Int64Counter
}

func New(st store.Store, options Options) *Updater {
	u := &Updater{
		store:     st,
		now:       options.Now,
		location:  options.Location,
		grace:     options.NoShowGrace,
		batchSize: options.BatchSize,
		locker:    options.Locker,
		lockTTL:   options.LockTTL,
		logger:    options.Logger.With().Str("component", "updater").Logger(),
		tracer:    otel.Tracer(instrumentationName),
	}
	if u.now == nil {
		u.now = time.Now
	}
	if u.location == nil {
		u.location = time.UTC
	}
	if u.grace <= 0 {
		u.grace = DefaultNoShowGrace
	}
	if u.batchSize <= 0 {
		u.batchSize = DefaultBatchSize
	}
	if u.lockTTL <= 0 {
		u.lockTTL = DefaultLockTTL
	}
	u.transitions, _ = otel.Meter(instrumentationName).Int64Counter("scheduling.sweep.transitions",
		metric.WithDescription("Rows moved by the status sweep, by rule"))
	return u
}

// RunAllUpdates applies every rule once. A row that fails is logged, counted
// in Summary.Failed and left for the next run; it never aborts its batch.
// The returned error is set only when a whole batch could not run.
func (u *Updater) RunAllUpdates(ctx context.Context) (Summary, error) {
	ctx, span := u.tracer.Start(ctx, "updater.RunAllUpdates")
	defer span.End()

	summary := Summary{PerRule: map[string]int{
		RuleAppointmentNoShow: 0,
		RuleReferralExpiry:    0,
		RuleStaleQueueClose:   0,
	}}

	if u.locker != nil {
		release, ok, err := u.locker.TryLock(ctx, lockName, u.lockTTL)
		if err != nil {
			err = store.Unavailable(err)
			span.RecordError(err)
			return summary, err
		}
		if !ok {
			u.logger.Debug().Msg("sweep lock held elsewhere, skipping")
			summary.Skipped = true
			return summary, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				u.logger.Warn().Err(err).Msg("release sweep lock")
			}
		}()
	}

	now := u.now()
	wall := models.WallClock(now.In(u.location))

	rules := []struct {
		name string
		run  func(context.Context) (int, int, error)
	}{
		{RuleAppointmentNoShow, func(ctx context.Context) (int, int, error) { return u.markNoShows(ctx, wall.Add(-u.grace), now) }},
		{RuleReferralExpiry, func(ctx context.Context) (int, int, error) { return u.expireReferrals(ctx, now) }},
		{RuleStaleQueueClose, func(ctx context.Context) (int, int, error) { return u.closeStaleEntries(ctx, models.DateOf(wall), now) }},
	}
	for _, rule := range rules {
		updated, failed, err := rule.run(ctx)
		summary.PerRule[rule.name] += updated
		summary.UpdatedCount += updated
		summary.Failed += failed
		if updated > 0 && u.transitions != nil {
			u.transitions.Add(ctx, int64(updated), metric.WithAttributes(attribute.String("rule", rule.name)))
		}
		if err != nil {
			err = store.Unavailable(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			u.logger.Error().Err(err).Str("rule", rule.name).Msg("sweep rule aborted")
			return summary, err
		}
	}

	if summary.UpdatedCount > 0 || summary.Failed > 0 {
		u.logger.Info().
			Int("updated", summary.UpdatedCount).
			Int("failed", summary.Failed).
			Interface("per_rule", summary.PerRule).
			Msg("status sweep finished")
	}
	return summary, nil
}

// Run sweeps every interval until ctx is done.
func (u *Updater) Run(ctx context.Context, interval time.Duration, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			if _, err := u.RunAllUpdates(runCtx); err != nil {
				u.logger.Error().Err(err).Msg("status sweep error")
			}
			cancel()
		}
	}
}

func (u *Updater) markNoShows(ctx context.Context, cutoff, now time.Time) (int, int, error) {
	return sweep(ctx, u, RuleAppointmentNoShow,
		func(ctx context.Context, tx store.Tx, exclude []string) ([]models.Appointment, error) {
			return tx.LockDueAppointments(ctx, cutoff, exclude, u.batchSize)
		},
		func(a models.Appointment) string { return a.AppointmentID },
		func(ctx context.Context, tx store.Tx, appt models.Appointment) error {
			if !store.ValidAppointmentTransition(store.ActionNoShow, appt.Status) {
				return store.ErrInvalidState
			}
			appt.Status, _ = store.AppointmentTarget(store.ActionNoShow)
			appt.UpdatedAt = now.UTC()
			if err := tx.UpdateAppointment(ctx, appt); err != nil {
				return err
			}
			entry, found, err := tx.LockQueueEntryByAppointment(ctx, appt.AppointmentID)
			if err != nil {
				return err
			}
			if found && store.ValidQueueTransition(store.ActionNoShow, entry.Status) {
				entry.Status, _ = store.QueueTarget(store.ActionNoShow)
				if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
					return err
				}
			}
			return tx.AppendEvent(ctx, store.EventAppointmentNoShow, appt.AppointmentID, appt)
		})
}

func (u *Updater) expireReferrals(ctx context.Context, now time.Time) (int, int, error) {
	return sweep(ctx, u, RuleReferralExpiry,
		func(ctx context.Context, tx store.Tx, exclude []string) ([]models.Referral, error) {
			return tx.LockExpiredReferrals(ctx, now.UTC(), exclude, u.batchSize)
		},
		func(r models.Referral) string { return r.ReferralID },
		func(ctx context.Context, tx store.Tx, ref models.Referral) error {
			if ref.Status != models.ReferralActive {
				return store.ErrInvalidState
			}
			ref.Status = models.ReferralExpired
			if err := tx.UpdateReferral(ctx, ref); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, store.EventReferralExpired, ref.ReferralID, ref)
		})
}

func (u *Updater) closeStaleEntries(ctx context.Context, today, now time.Time) (int, int, error) {
	return sweep(ctx, u, RuleStaleQueueClose,
		func(ctx context.Context, tx store.Tx, exclude []string) ([]models.QueueEntry, error) {
			return tx.LockStaleQueueEntries(ctx, today, exclude, u.batchSize)
		},
		func(e models.QueueEntry) string { return e.QueueID },
		func(ctx context.Context, tx store.Tx, entry models.QueueEntry) error {
			if !store.ValidQueueTransition(store.ActionNoShow, entry.Status) {
				return store.ErrInvalidState
			}
			entry.Status, _ = store.QueueTarget(store.ActionNoShow)
			closedAt := now.UTC()
			entry.TimeCompleted = &closedAt
			if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, store.EventQueueClosed, entry.QueueID, entry)
		})
}

// sweep drains one rule in batches. Each batch is its own transaction and
// each row its own savepoint. Rows that failed once in this run are excluded
// from later selections, so every full batch either moves or retires rows and
// the loop ends once a batch comes back short.
func sweep[T any](
	ctx context.Context,
	u *Updater,
	rule string,
	selectRows func(ctx context.Context, tx store.Tx, exclude []string) ([]T, error),
	idOf func(T) string,
	apply func(context.Context, store.Tx, T) error,
) (int, int, error) {
	ctx, span := u.tracer.Start(ctx, "updater."+rule)
	defer span.End()

	var failed []string
	updated := 0
	for {
		if err := ctx.Err(); err != nil {
			return updated, len(failed), err
		}
		var selected, succeeded int
		var batchFailed []string
		err := u.store.WithinTx(ctx, func(tx store.Tx) error {
			rows, err := selectRows(ctx, tx, failed)
			if err != nil {
				return err
			}
			selected = len(rows)
			for _, row := range rows {
				id := idOf(row)
				if slices.Contains(failed, id) {
					continue
				}
				err := tx.Savepoint(ctx, func(sp store.Tx) error {
					return apply(ctx, sp, row)
				})
				if err != nil {
					batchFailed = append(batchFailed, id)
					u.logger.Warn().Err(err).Str("rule", rule).Str("id", id).Msg("sweep row failed")
					continue
				}
				succeeded++
			}
			return nil
		})
		if err != nil {
			return updated, len(failed), err
		}
		failed = append(failed, batchFailed...)
		updated += succeeded
		if selected < u.batchSize || succeeded+len(batchFailed) == 0 {
			span.SetAttributes(attribute.Int("updated", updated), attribute.Int("failed", len(failed)))
			return updated, len(failed), nil
		}
	}
}
