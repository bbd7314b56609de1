package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/llm-proxy-router/internal/metrics"
)

// Backend receives failure records. SubmitFailure must treat a repeated id
// as a no-op on the remote side.
type Backend interface {
	SubmitFailure(ctx context.Context, rec Record) error
}

// SyncerConfig tunes a Syncer.
type SyncerConfig struct {
	BatchSize   int
	Concurrency int
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// Syncer uploads unsynced ledger records. Records are independent: one
// rejected record never blocks the others.
type Syncer struct {
	store       Store
	backend     Backend
	logger      *logrus.Logger
	batchSize   int
	concurrency int
	now         func() time.Time

	mu      sync.Mutex // serializes passes
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyncer creates a Syncer. Zero config values take defaults.
func NewSyncer(store Store, backend Backend, cfg SyncerConfig, logger *logrus.Logger) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Syncer{
		store:       store,
		backend:     backend,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
}

// SyncOnce uploads one batch of pending records. It returns an error
// wrapping ErrSync when any record failed; acknowledged records are marked
// synced regardless.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.store.Pending(ctx, s.batchSize)
	if err != nil {
		return SyncResult{}, fmt.Errorf("%w: %v", ErrSync, err)
	}
	if len(pending) == 0 {
		return SyncResult{}, nil
	}

	var (
		resultMu sync.Mutex
		result   = SyncResult{Attempted: len(pending)}
		errs     []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range pending {
		g.Go(func() error {
			err := s.syncRecord(gctx, rec)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				result.Failed++
				errs = append(errs, err)
				metrics.LedgerSynced.WithLabelValues("failed").Inc()
				return nil
			}
			result.Synced++
			metrics.LedgerSynced.WithLabelValues("synced").Inc()
			return nil
		})
	}
	g.Wait()

	fields := logrus.Fields{
		"attempted": result.Attempted,
		"synced":    result.Synced,
		"failed":    result.Failed,
	}
	if len(errs) > 0 {
		s.logger.WithFields(fields).Warn("Failure ledger sync incomplete")
		return result, fmt.Errorf("%w: %w", ErrSync, errors.Join(errs...))
	}
	s.logger.WithFields(fields).Info("Failure ledger synced")
	return result, nil
}

func (s *Syncer) syncRecord(ctx context.Context, rec Record) error {
	if err := s.backend.SubmitFailure(ctx, rec); err != nil {
		s.logger.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"attempts":  rec.SyncAttempts + 1,
			"error":     err.Error(),
		}).Debug("Failure record rejected")
		if ctx.Err() == nil {
			if markErr := s.store.MarkAttempted(ctx, rec.ID, s.now()); markErr != nil {
				s.logger.WithError(markErr).WithField("record_id", rec.ID).Warn("Failed to record sync attempt")
			}
		}
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	if err := s.store.MarkSynced(ctx, rec.ID, s.now()); err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return nil
}

// Trigger requests a sync pass from the background loop without blocking.
// Triggers that arrive while one is queued are coalesced.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the background loop until Stop is called or ctx ends.
func (s *Syncer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.trigger:
				if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
					s.logger.WithError(err).Warn("Background ledger sync failed")
				}
			}
		}
	}()
}

// Stop ends the background loop and waits for an in-flight pass.
func (s *Syncer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
