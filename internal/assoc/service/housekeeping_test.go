package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/stretchr/testify/require"
)

func TestHousekeepingCleansExpiredRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	now := env.clock.Now()

	require.NoError(t, env.store.TempSessions().CreateTempSession(ctx, domain.TempSession{
		ID:          idx.New().String(),
		UserID:      env.user.ID,
		TokenHash:   "stale-session",
		Method:      domain.MethodApp,
		MaxAttempts: 5,
		CreatedAt:   now.Add(-time.Hour),
		ExpiresAt:   now.Add(-50 * time.Minute),
	}))
	require.NoError(t, env.store.BackupCodes().CreateBackupCode(ctx, domain.BackupCode{
		ID:        idx.New().String(),
		UserID:    env.user.ID,
		CodeHash:  "stale-code",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-time.Hour),
	}))
	require.NoError(t, env.store.VerificationAttempts().CreateVerificationAttempt(ctx, domain.VerificationAttempt{
		ID:          idx.New().String(),
		UserID:      env.user.ID,
		Channel:     domain.ChannelTotp,
		AttemptedAt: now.Add(-attemptRetention - time.Hour),
	}))

	hk := NewHousekeepingService(env.store, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Hour)
	hk.Clock = env.clock
	hk.Cleanup()

	_, err := env.store.TempSessions().GetTempSessionByTokenHash(ctx, "stale-session")
	require.ErrorIs(t, err, store.ErrNotFound)

	count, err := env.store.BackupCodes().CountActiveBackupCodes(ctx, env.user.ID, now.Add(-2*time.Minute))
	require.NoError(t, err)
	require.Zero(t, count, "expired code rows are deleted outright")

	attempts, err := env.store.VerificationAttempts().ListRecentVerificationAttempts(ctx, env.user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, attempts)
}
