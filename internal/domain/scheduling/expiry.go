package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medx360/booking/internal/platform/metrics"
)

// TenantScope runs fn once per tenant with a context carrying that tenant's
// connection.
type TenantScope func(ctx context.Context, fn func(ctx context.Context) error) error

// singleScope runs fn once with the context as given.
func singleScope(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

const expiryBatch = 200

// ExpiryJob cancels pending bookings whose hold has lapsed so their slots
// reopen.
type ExpiryJob struct {
	bookings  BookingStore
	scheduler *Scheduler
	hold      time.Duration
	scope     TenantScope
	logger    zerolog.Logger
	now       func() time.Time
	cron      *cron.Cron
}

// NewExpiryJob builds the job. A nil scope runs against the default store
// context only.
func NewExpiryJob(bookings BookingStore, scheduler *Scheduler, hold time.Duration, scope TenantScope, logger zerolog.Logger) *ExpiryJob {
	if scope == nil {
		scope = singleScope
	}
	return &ExpiryJob{
		bookings:  bookings,
		scheduler: scheduler,
		hold:      hold,
		scope:     scope,
		logger:    logger.With().Str("component", "expiry").Logger(),
		now:       time.Now,
	}
}

// RunOnce cancels every pending booking created more than hold ago and
// returns how many it cancelled.
func (j *ExpiryJob) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.hold)
	total := 0
	err := j.scope(ctx, func(ctx context.Context) error {
		stale, err := j.bookings.StalePending(ctx, cutoff, expiryBatch)
		if err != nil {
			return err
		}
		for _, b := range stale {
			_, err := j.scheduler.CancelBooking(ctx, b.ID)
			var terr *InvalidTransitionError
			switch {
			case err == nil:
				total++
				metrics.ExpiredHolds.Inc()
			case errors.As(err, &terr), errors.Is(err, ErrNotFound):
				// Confirmed or removed since it was listed.
			default:
				return err
			}
		}
		return nil
	})
	return total, err
}

// Start runs the job on the cron schedule (e.g. "@every 1m").
func (j *ExpiryJob) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := j.RunOnce(ctx)
		if err != nil {
			j.logger.Error().Err(err).Msg("expire pending holds")
			return
		}
		if n > 0 {
			j.logger.Info().Int("cancelled", n).Msg("expired pending holds")
		}
	})
	if err != nil {
		return err
	}
	j.cron = c
	c.Start()
	j.logger.Info().Str("schedule", spec).Dur("hold", j.hold).Msg("pending hold expiry scheduled")
	return nil
}

// Stop halts the schedule and waits for a running job to finish or ctx to end.
func (j *ExpiryJob) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
