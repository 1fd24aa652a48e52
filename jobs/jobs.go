/*
Package jobs runs the background maintenance work on a cron schedule.

JOBS:
  check_expirations     every 15 min   apply expiration actions to overdue
                                       approvals (chunked, idempotent via
                                       expired_action_taken)
  send_reminders        every 30 min   deliver due approver reminders
                                       (idempotent via is_sent)
  expire_carryover      daily 02:30    zero VACATION_AP past its expiry date
                                       (idempotent via ledger keys)
  cleanup_old_requests  weekly Sun 3am remove terminal approvals older than
                                       the retention window

Closure recalculation is event-driven, not scheduled: the calendar handlers
call leave.Service.RecalculateForClosure when a closure changes.

DESIGN:
  - robfig/cron with standard five-field specs. SkipIfStillRunning guards
    each entry, so a slow sweep is skipped rather than stacked.
  - Every job is also triggerable directly (Run*) for tests and the admin
    trigger endpoint; those calls bypass the overlap guard.
  - Start fires one catch-up pass immediately so a restart does not wait
    out the first interval. Stop drains in-flight runs.
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// Job schedules, standard five-field cron specs.
const (
	scheduleExpirations = "*/15 * * * *"
	scheduleReminders   = "*/30 * * * *"
	scheduleCarryOver   = "30 2 * * *"
	scheduleCleanup     = "0 3 * * 0"
)

// jobTimeout bounds one run. Sweeps chunk their work, so a run that hits
// this is stuck, not busy.
const jobTimeout = 5 * time.Minute

// Job names, also the trigger endpoint's identifiers.
const (
	JobExpirations = "check_expirations"
	JobReminders   = "send_reminders"
	JobCarryOver   = "expire_carryover"
	JobCleanup     = "cleanup_old_requests"
)

// ErrUnknownJob rejects a trigger for a name no job carries.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler owns the cron runner and the job implementations.
type Scheduler struct {
	engine        *approval.Engine
	balances      *ledger.Ledger
	log           zerolog.Logger
	retentionDays int
	now           func() time.Time

	cron *cron.Cron
	wg   sync.WaitGroup
}

func New(engine *approval.Engine, balances *ledger.Ledger, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:        engine,
		balances:      balances,
		log:           log.With().Str("component", "jobs").Logger(),
		retentionDays: approval.DefaultRetentionDays,
		now:           time.Now,
	}
}

// SetRetentionDays overrides the cleanup window.
func (s *Scheduler) SetRetentionDays(d int) {
	if d > 0 {
		s.retentionDays = d
	}
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start registers the jobs and begins ticking. Safe to call once.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})))

	entries := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{JobExpirations, scheduleExpirations, s.RunExpirations},
		{JobReminders, scheduleReminders, s.RunReminders},
		{JobCarryOver, scheduleCarryOver, s.RunCarryOverExpiry},
		{JobCleanup, scheduleCleanup, s.RunCleanup},
	}
	for _, e := range entries {
		if _, err := c.AddFunc(e.spec, s.tick(e.name, e.run)); err != nil {
			return fmt.Errorf("schedule %s: %w", e.name, err)
		}
	}
	c.Start()
	s.cron = c
	s.log.Info().Int("jobs", len(entries)).Msg("scheduler started")

	// Catch up on work that accumulated while the process was down.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, e := range entries {
			s.tick(e.name, e.run)()
		}
	}()
	return nil
}

// Stop halts the ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.cron = nil
	s.log.Info().Msg("scheduler stopped")
}

// Run triggers one job by name, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) (int, error) {
	switch name {
	case JobExpirations:
		return s.RunExpirations(ctx)
	case JobReminders:
		return s.RunReminders(ctx)
	case JobCarryOver:
		return s.RunCarryOverExpiry(ctx)
	case JobCleanup:
		return s.RunCleanup(ctx)
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownJob, name)
}

// RunExpirations applies expiration actions to overdue approval requests.
func (s *Scheduler) RunExpirations(ctx context.Context) (int, error) {
	return s.engine.ProcessExpirations(ctx, s.now().UTC())
}

// RunReminders delivers due approver reminders.
func (s *Scheduler) RunReminders(ctx context.Context) (int, error) {
	return s.engine.DispatchReminders(ctx, s.now().UTC())
}

// RunCarryOverExpiry zeroes carried-over vacation past its expiry date.
func (s *Scheduler) RunCarryOverExpiry(ctx context.Context) (int, error) {
	txs, err := s.balances.ExpireAllCarryOver(ctx, s.now().UTC(), uuid.Nil)
	return len(txs), err
}

// RunCleanup removes terminal approval requests past the retention window.
func (s *Scheduler) RunCleanup(ctx context.Context) (int, error) {
	return s.engine.CleanupOldRequests(ctx, s.now().UTC(), s.retentionDays)
}

func (s *Scheduler) tick(name string, run func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		started := time.Now()
		n, err := run(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("job failed")
			return
		}
		if n > 0 {
			s.log.Info().
				Str("job", name).
				Int("processed", n).
				Dur("took", time.Since(started)).
				Msg("job done")
		}
	}
}

// cronLogger adapts zerolog to cron.Logger so overlap-guard skips land in
// the structured log.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
