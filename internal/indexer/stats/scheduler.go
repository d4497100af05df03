package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/XcloudFance/Verdant-Search/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Scheduler triggers the Recomputer on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	job     *Recomputer
	timeout time.Duration
	logger  *slog.Logger
}

// ParseSchedule accepts standard five-field cron expressions and
// descriptors such as "@every 5m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron spec '%s': %w", spec, err)
	}
	return s, nil
}

// NewScheduler registers job under spec. Each run is bounded by timeout when
// it is positive.
func NewScheduler(job *Recomputer, spec string, timeout time.Duration) (*Scheduler, error) {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	logger := slog.Default().With("component", "stats-scheduler")
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		job:     job,
		timeout: timeout,
		logger:  logger,
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.job.Run(ctx); err != nil && !errors.Is(err, apperrors.ErrStatsJobRunning) {
		s.logger.Warn("scheduled stats run failed", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("stats scheduler started")
}

// Stop halts scheduling and waits for a running job up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("stats job still running at shutdown")
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
