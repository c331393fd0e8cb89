// Package scheduler drives automatic scans on a fixed interval and
// exposes the user-visible countdown.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/engine"
)

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	Scan(ctx context.Context) (*domain.ScanResult, error)
	ModelReady() bool
	Train() error
}

// Config holds scheduler settings.
type Config struct {
	// Interval between automatic scans.
	Interval time.Duration

	// AutoScan enables automatic dispatch at startup.
	AutoScan bool

	// RefitCron optionally re-trains the model on a cron schedule
	// (fresh synthetic prior). Empty disables the job.
	RefitCron string

	// Authorize gates automatic dispatch on the surrounding
	// application's session and capability checks. Nil means always
	// authorized (server deployments wire this to their auth layer).
	Authorize func() bool
}

// Scheduler owns the countdown and the automatic dispatch loop. There
// is exactly one scheduling goroutine; scans run inside it, so the
// countdown freezes at zero while a scan is in flight and resets to the
// full interval when the scan returns.
type Scheduler struct {
	runner Runner
	cfg    Config

	mu        sync.Mutex
	enabled   bool
	remaining time.Duration

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Call Start to begin ticking.
func New(runner Runner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:    runner,
		cfg:       cfg,
		enabled:   cfg.AutoScan,
		remaining: cfg.Interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the countdown loop and, if configured, the model
// refresh cron job.
func (s *Scheduler) Start() error {
	if s.cfg.RefitCron != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(s.cfg.RefitCron, s.refit)
		if err != nil {
			return err
		}
		s.cron.Start()
		slog.Info("model refresh scheduled", "cron", s.cfg.RefitCron)
	}

	s.wg.Add(1)
	go s.loop()

	slog.Info("scan scheduler started",
		"interval", s.cfg.Interval.String(),
		"auto_scan", s.enabled,
	)
	return nil
}

// Stop tears down the countdown and scan timers. An in-flight scan is
// allowed to finish; Stop blocks until the loop exits.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	slog.Info("scan scheduler stopped")
}

// Enable turns automatic scanning on and restarts the countdown from
// the full interval.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.remaining = s.cfg.Interval
}

// Disable stops automatic dispatch. The countdown freezes.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// ResetCountdown restarts the countdown from the full interval. Called
// whenever a scan is dispatched outside the loop (manual trigger).
func (s *Scheduler) ResetCountdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining = s.cfg.Interval
}

// Status is the scheduler's observable state.
type Status struct {
	Enabled       bool `json:"enabled"`
	IntervalSecs  int  `json:"intervalSecs"`
	RemainingSecs int  `json:"remainingSecs"`
	ModelReady    bool `json:"modelReady"`
}

// GetStatus returns the current countdown state.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:       s.enabled,
		IntervalSecs:  int(s.cfg.Interval.Seconds()),
		RemainingSecs: int(s.remaining.Seconds()),
		ModelReady:    s.runner.ModelReady(),
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.tick() {
				s.dispatch()
			}
		}
	}
}

// tick advances the countdown and reports whether a scan is due.
// A disabled scheduler does not count down.
func (s *Scheduler) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return false
	}
	s.remaining -= time.Second
	if s.remaining > 0 {
		return false
	}
	s.remaining = s.cfg.Interval
	return true
}

func (s *Scheduler) dispatch() {
	if s.cfg.Authorize != nil && !s.cfg.Authorize() {
		slog.Debug("automatic scan skipped, not authorized")
		return
	}
	if !s.runner.ModelReady() {
		slog.Debug("automatic scan skipped, model not trained")
		return
	}

	if _, err := s.runner.Scan(s.ctx); err != nil {
		if errors.Is(err, engine.ErrScanInProgress) {
			slog.Debug("automatic scan skipped, scan already running")
			return
		}
		slog.Error("automatic scan failed", "error", err)
	}
	s.ResetCountdown()
}

// refit re-trains the model on a fresh synthetic prior. Detection keeps
// serving the previous ensemble until the new one swaps in.
func (s *Scheduler) refit() {
	start := time.Now()
	if err := s.runner.Train(); err != nil {
		slog.Error("scheduled model refresh failed", "error", err)
		return
	}
	slog.Info("model refreshed", "duration_ms", time.Since(start).Milliseconds())
}
