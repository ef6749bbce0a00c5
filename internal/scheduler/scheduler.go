// Package scheduler implements loxone.Scheduler on top of
// github.com/reugn/go-quartz, the scheduling library already present in the
// example pack's dependency graph (berfenger-frostnews2mqtt pulls it in for
// its logger subpackage; this is new usage of the actual scheduler). Quartz's
// StdScheduler runs every job off a single dispatch goroutine, which is
// exactly the "don't spawn ad-hoc threads" contract the auth engine and
// session controller rely on.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/reugn/go-quartz/quartz"
)

// funcJob adapts a plain func() to quartz.Job.
type funcJob struct {
	fn   func()
	desc string
}

func (j *funcJob) Execute(context.Context) error {
	j.fn()
	return nil
}

func (j *funcJob) Description() string {
	return j.desc
}

// Scheduler wraps a quartz.StdScheduler behind the single-method handle
// loxone.Scheduler exposes.
type Scheduler struct {
	quartz quartz.Scheduler
	cancel context.CancelFunc
	log    *slog.Logger
	seq    atomic.Int64
}

// New starts a fresh Scheduler. logger may be nil, in which case
// slog.Default() is used.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	std := quartz.NewStdScheduler()
	std.Start(ctx)

	return &Scheduler{quartz: std, cancel: cancel, log: logger}
}

// Schedule runs fn once after delay elapses, implementing loxone.Scheduler.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) func() {
	name := fmt.Sprintf("loxone-%d", s.seq.Add(1))
	key := quartz.NewJobKey(name)
	detail := quartz.NewJobDetail(&funcJob{fn: fn, desc: name}, key)
	trigger := quartz.NewRunOnceTrigger(delay)

	if err := s.quartz.ScheduleJob(detail, trigger); err != nil {
		s.log.Error("schedule job failed", slog.Any("error", err))
	}

	return func() {
		if err := s.quartz.DeleteJob(key); err != nil {
			s.log.Debug("cancel scheduled job", slog.Any("error", err))
		}
	}
}

// Close stops the underlying quartz scheduler, cancelling any pending work.
func (s *Scheduler) Close() error {
	s.cancel()
	s.quartz.Stop()
	return nil
}
