package convstore

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRetentionSchedule runs the sweep nightly at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// Retention prunes idle conversations on a cron schedule.
type Retention struct {
	store    *Store
	cron     *cron.Cron
	schedule string
	maxAge   time.Duration
	logger   zerolog.Logger
}

// NewRetention creates a retention sweeper. maxAge is how long a
// conversation may sit idle before it is deleted.
func NewRetention(store *Store, schedule string, maxAge time.Duration, logger zerolog.Logger) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive")
	}

	r := &Retention{
		store:    store,
		cron:     cron.New(),
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}

	if _, err := r.cron.AddFunc(schedule, r.sweep); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins scheduled sweeps.
func (r *Retention) Start() {
	r.cron.Start()
	r.logger.Info().
		Str("schedule", r.schedule).
		Dur("max_age", r.maxAge).
		Msg("Retention sweep scheduled")
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one pruning pass immediately.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	return r.store.PruneIdle(ctx, r.maxAge)
}

func (r *Retention) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pruned, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}
	r.logger.Debug().Int("pruned", pruned).Msg("Retention sweep completed")
}
