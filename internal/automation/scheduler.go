// Package automation drives lottery rounds on a cron schedule on behalf of
// the authority.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/random"
	"github.com/R3E-Network/lottery_layer/internal/app/metrics"
	"github.com/R3E-Network/lottery_layer/internal/app/system"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

const (
	JobOpen  = "lottery-open"
	JobClose = "lottery-close"
)

// RoundController is the part of the lottery the scheduler drives.
type RoundController interface {
	Open(ctx context.Context, caller util.Uint160) error
	Close(ctx context.Context, caller util.Uint160) (random.RequestID, error)
	LotteryState() lottery.State
	PlayerCount() int
}

var _ system.Service = (*Scheduler)(nil)

// Scheduler opens and closes rounds as the authority.
type Scheduler struct {
	ctrl      RoundController
	authority util.Uint160
	log       *logger.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler with no jobs.
func NewScheduler(ctrl RoundController, authority util.Uint160, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("automation")
	}
	return &Scheduler{
		ctrl:      ctrl,
		authority: authority,
		log:       log,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:       context.Background(),
		entries:   make(map[string]cron.EntryID),
	}
}

// Schedule installs the open and close jobs using standard five-field cron
// specs (descriptors such as @hourly are accepted). Existing jobs are
// replaced.
func (s *Scheduler) Schedule(openSpec, closeSpec string) error {
	if _, err := cron.ParseStandard(openSpec); err != nil {
		return fmt.Errorf("open schedule %q: %w", openSpec, err)
	}
	if _, err := cron.ParseStandard(closeSpec); err != nil {
		return fmt.Errorf("close schedule %q: %w", closeSpec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	openID, err := s.cron.AddFunc(openSpec, func() { s.run(JobOpen, s.OpenRound) })
	if err != nil {
		return err
	}
	closeID, err := s.cron.AddFunc(closeSpec, func() { s.run(JobClose, s.CloseRound) })
	if err != nil {
		s.cron.Remove(openID)
		return err
	}
	s.entries[JobOpen] = openID
	s.entries[JobClose] = closeID

	s.log.WithField("open", openSpec).WithField("close", closeSpec).Info("lottery automation scheduled")
	return nil
}

// Next returns the next activation time of a job, or the zero time.
func (s *Scheduler) Next(job string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[job]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// OpenRound opens a round if the lottery is closed.
func (s *Scheduler) OpenRound(ctx context.Context) error {
	if state := s.ctrl.LotteryState(); state != lottery.StateClosed {
		s.log.WithField("state", state.String()).Debug("skipping open; lottery not closed")
		return nil
	}
	return s.ctrl.Open(ctx, s.authority)
}

// CloseRound closes the round if it is open and has entrants. Empty rounds
// stay open so they are not stuck waiting on a settlement that cannot pay.
func (s *Scheduler) CloseRound(ctx context.Context) error {
	if state := s.ctrl.LotteryState(); state != lottery.StateOpen {
		s.log.WithField("state", state.String()).Debug("skipping close; lottery not open")
		return nil
	}
	if s.ctrl.PlayerCount() == 0 {
		s.log.Info("skipping close; round has no entrants")
		return nil
	}
	id, err := s.ctrl.Close(ctx, s.authority)
	if err != nil {
		return err
	}
	s.log.WithField("request_id", id.StringLE()).Info("round closed by schedule")
	return nil
}

func (s *Scheduler) run(job string, fn func(context.Context) error) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	metrics.RecordAutomationExecution(job, time.Since(start), err == nil)
	if err != nil {
		s.log.WithError(err).WithField("job", job).Warn("automation job failed")
	}
}

func (s *Scheduler) Name() string { return "lottery-automation" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.Info("lottery automation started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("lottery automation stopped")
	return nil
}
