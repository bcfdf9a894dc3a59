// Package retention prunes expired state on a cron schedule: contexts
// idle past their TTL go away with their history, and terminal tasks
// are kept only for a bounded grace window.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/tasks"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and policy for the sweeper.
type Config struct {
	History history.Store
	Tasks   *tasks.Store
	Logger  *slog.Logger

	// CronExpr schedules sweeps; defaults to hourly.
	CronExpr string

	// ContextTTL is how long an idle context survives. Zero disables
	// context pruning.
	ContextTTL time.Duration

	// TaskTTL is how long finished tasks are kept. Zero disables task
	// pruning.
	TaskTTL time.Duration
}

// Sweeper runs retention sweeps in a background goroutine.
type Sweeper struct {
	history history.Store
	tasks   *tasks.Store
	logger  *slog.Logger

	schedule   cronlib.Schedule
	contextTTL time.Duration
	taskTTL    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.CronExpr
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		history:    cfg.History,
		tasks:      cfg.Tasks,
		logger:     logger,
		schedule:   schedule,
		contextTTL: cfg.ContextTTL,
		taskTTL:    cfg.TaskTTL,
	}, nil
}

// Start begins the sweep loop. It respects ctx for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		"next_run", s.schedule.Next(time.Now()),
		"context_ttl", s.contextTTL,
		"task_ttl", s.taskTTL,
	)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pruning pass. Exported so operators can trigger it
// out of schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if s.contextTTL > 0 {
		removed, err := s.history.DeleteInactiveSince(ctx, now.Add(-s.contextTTL))
		if err != nil {
			s.logger.Error("retention: context sweep failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("retention: pruned inactive contexts", "removed", removed)
		}
	}

	if s.taskTTL > 0 {
		removed, err := s.tasks.DeleteTerminalBefore(ctx, now.Add(-s.taskTTL))
		if err != nil {
			s.logger.Error("retention: task sweep failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("retention: pruned finished tasks", "removed", removed)
		}
	}
}
