package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/routing"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
)

// SyncTrigger requests an out-of-band ledger sync.
type SyncTrigger interface {
	Trigger()
}

// CredentialRefresher is the part of the routing controller the refresh job
// drives.
type CredentialRefresher interface {
	State(ctx context.Context) (routing.State, settings.RoutingConfig, error)
	RefreshFallbackCredentials(ctx context.Context) (int, error)
}

// Config holds cron specs for the periodic jobs. An empty spec disables
// that job.
type Config struct {
	SyncSchedule    string
	RefreshSchedule string
	RefreshWindow   time.Duration
	JobTimeout      time.Duration
}

// Scheduler runs the periodic ledger sync and fallback credential refresh.
type Scheduler struct {
	cron      *cron.Cron
	sync      SyncTrigger
	refresher CredentialRefresher
	cfg       Config
	logger    *logrus.Logger
	now       func() time.Time
}

// NewScheduler registers the configured jobs.
func NewScheduler(cfg Config, sync SyncTrigger, refresher CredentialRefresher, logger *logrus.Logger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	s := &Scheduler{
		cron:      cron.New(),
		sync:      sync,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}

	if cfg.SyncSchedule != "" && sync != nil {
		if _, err := s.cron.AddFunc(cfg.SyncSchedule, s.sync.Trigger); err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.SyncSchedule, err)
		}
	}
	if cfg.RefreshSchedule != "" && refresher != nil {
		if _, err := s.cron.AddFunc(cfg.RefreshSchedule, s.refreshCredentials); err != nil {
			return nil, fmt.Errorf("invalid credential refresh schedule %q: %w", cfg.RefreshSchedule, err)
		}
	}

	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"sync_schedule":    s.cfg.SyncSchedule,
		"refresh_schedule": s.cfg.RefreshSchedule,
	}).Info("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) refreshCredentials() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	state, cfg, err := s.refresher.State(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Credential refresh skipped: routing state unavailable")
		return
	}
	if !s.refreshDue(state, cfg) {
		return
	}

	n, err := s.refresher.RefreshFallbackCredentials(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Fallback credential refresh failed")
		return
	}
	s.logger.WithField("providers", n).Debug("Fallback credential refresh completed")
}

// refreshDue refreshes only while the proxy is reachable and the current set
// is missing or close to expiry.
func (s *Scheduler) refreshDue(state routing.State, cfg settings.RoutingConfig) bool {
	if state != routing.StateHealthy {
		return false
	}
	if len(cfg.FallbackCredentials) == 0 || cfg.FallbackExpiresAt == nil {
		return true
	}
	return cfg.FallbackExpiresAt.Sub(s.now()) <= s.cfg.RefreshWindow
}
