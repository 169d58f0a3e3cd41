package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultPruneSchedule sweeps nightly at 03:00 local time.
const DefaultPruneSchedule = "0 3 * * *"

// SweeperConfig configures a retention sweeper.
type SweeperConfig struct {
	// Store is the decision log to prune.
	Store *Store

	// Schedule is a five-field cron expression deciding when sweeps run.
	// Defaults to DefaultPruneSchedule.
	Schedule string

	// Retention is how long entries are kept. Each sweep deletes entries
	// older than this window.
	Retention time.Duration
}

// Sweeper prunes the decision log on a cron schedule.
type Sweeper struct {
	store     *Store
	schedule  cron.Schedule
	retention time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewSweeper validates the schedule and builds a sweeper. No sweeps run
// until Start is called.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("audit store is required")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}

	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultPruneSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule: %w", err)
	}

	return &Sweeper{
		store:     cfg.Store,
		schedule:  schedule,
		retention: cfg.Retention,
	}, nil
}

// Start arms the first sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.timer != nil {
		return
	}
	s.scheduleNextLocked()
}

// Stop cancels any pending sweep. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// RunOnce prunes entries older than the retention window immediately.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Pruned audit entries")
	}
	return nil
}

// scheduleNextLocked arms the timer for the next scheduled sweep (must hold lock)
func (s *Sweeper) scheduleNextLocked() {
	next := s.schedule.Next(time.Now())
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, s.sweep)

	log.Debug().Time("nextRun", next).Msg("Audit sweep scheduled")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Audit sweep failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.scheduleNextLocked()
}
