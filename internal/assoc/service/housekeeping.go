package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/clubworks/assoc/internal/assoc/store"
)

// attemptRetention is how long verification attempt audit rows are kept.
const attemptRetention = 90 * 24 * time.Hour

// HousekeepingService periodically cleans up expired database records to
// prevent unbounded growth of temp_sessions, backup_codes and
// verification_attempts.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Clock    Clock
	Interval time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(store store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:    store,
		Logger:   logger,
		Clock:    SystemClock,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker that periodically runs cleanup.
// This is non-blocking and should be called after the database is ready.
// Call Stop() to gracefully shutdown the worker.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker.
// Blocks until the worker has finished any in-progress cleanup.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

// run is the main background worker loop.
func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.Cleanup()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// Cleanup performs the actual deletion of expired records. Each deletion
// is independent; failures in one won't stop the others.
func (s *HousekeepingService) Cleanup() {
	ctx := context.Background()
	now := s.Clock.Now()
	s.Logger.Info("starting housekeeping cleanup")

	var successful int

	// Clean expired and completed challenge sessions
	if err := s.Store.TempSessions().DeleteStaleTempSessions(ctx, now); err != nil {
		s.Logger.Error("failed to delete stale temp sessions", "error", err)
	} else {
		s.Logger.Debug("deleted stale temp sessions")
		successful++
	}

	// Clean expired backup codes
	if err := s.Store.BackupCodes().DeleteExpiredBackupCodes(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired backup codes", "error", err)
	} else {
		s.Logger.Debug("deleted expired backup codes")
		successful++
	}

	// Prune old verification attempt audit rows
	if err := s.Store.VerificationAttempts().DeleteVerificationAttemptsBefore(ctx, now.Add(-attemptRetention)); err != nil {
		s.Logger.Error("failed to prune verification attempts", "error", err)
	} else {
		s.Logger.Debug("pruned old verification attempts")
		successful++
	}

	s.Logger.Info("housekeeping cleanup completed", "successful_cleanups", successful)
}
