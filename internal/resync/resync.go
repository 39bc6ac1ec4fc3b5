// Package resync refreshes the conversation list on a cron schedule so the
// store converges even when push events were missed.
package resync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/config"
	"chatsync/pkg/logger"
)

// Refresher is satisfied by *engine.Engine.
type Refresher interface {
	RefreshConversations(ctx context.Context, trigger string) (int, error)
}

// Scheduler runs Refresher on every cron tick.
type Scheduler struct {
	r    Refresher
	cron string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start starts the scheduler if enabled. Stop must be called to release it;
// a disabled scheduler returns a Scheduler whose Stop is a no-op.
func Start(ctx context.Context, cfg config.ResyncConfig, r Refresher) (*Scheduler, error) {
	s := &Scheduler{r: r}
	if !cfg.Enabled {
		logger.Info("resync_disabled")
		return s, nil
	}
	s.cron = cfg.Cron
	if s.cron == "" {
		s.cron = config.DefaultResyncCron
	}
	if !gronx.IsValid(s.cron) {
		logger.Error("resync_invalid_cron", "cron", s.cron)
		return nil, fmt.Errorf("invalid resync cron expression: %s", s.cron)
	}

	ctx2, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx2)
	}()
	logger.Info("resync_scheduler_started", "cron", s.cron)
	return s, nil
}

// Stop cancels the scheduler and waits for an in-flight refresh.
func (s *Scheduler) Stop() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

// RunOnce refreshes immediately.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) error {
	start := time.Now()
	n, err := s.r.RefreshConversations(ctx, trigger)
	if err != nil {
		logger.Error("resync_run_error", "trigger", trigger, "error", err)
		return err
	}
	logger.Debug("resync_run_done", "trigger", trigger, "applied", n, "took", time.Since(start))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("resync_nexttick_failed", "cron", s.cron, "error", err)
			if !wait(ctx, 30*time.Second) {
				break
			}
			continue
		}
		if !wait(ctx, time.Until(next)) {
			break
		}
		_ = s.RunOnce(ctx, "cron")
	}
	logger.Info("resync_scheduler_stopping")
}

// wait sleeps for d and reports false when ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
