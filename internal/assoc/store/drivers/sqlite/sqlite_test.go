package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.ApplyMigrations())
	return s
}

func createTestUser(t *testing.T, s *Store) domain.User {
	t.Helper()

	now := time.Now().UTC()
	u := domain.User{
		ID:            idx.New().String(),
		Username:      "member-" + idx.New().String(),
		PreferredName: "Member",
		PasswordHash:  "argon2:dummy",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.Users().CreateUser(context.Background(), u))
	return u
}

func createSettings(t *testing.T, s *Store, userID string) {
	t.Helper()

	now := time.Now().UTC()
	require.NoError(t, s.TwoFactorSettings().Upsert(context.Background(), domain.TwoFactorSettings{
		UserID:          userID,
		Method:          domain.MethodApp,
		EncryptedSecret: []byte("blob"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}))
}

func TestRegisterFailureEngagesLockoutAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)
	createSettings(t, s, user.ID)

	lockUntil := time.Now().Add(15 * time.Minute).UTC()

	for i := 1; i < 5; i++ {
		attempts, locked, err := s.TwoFactorSettings().RegisterFailure(ctx, user.ID, 5, lockUntil)
		require.NoError(t, err)
		require.Equal(t, i, attempts)
		require.Nil(t, locked, "lockout must not engage before the threshold")
	}

	attempts, locked, err := s.TwoFactorSettings().RegisterFailure(ctx, user.ID, 5, lockUntil)
	require.NoError(t, err)
	require.Equal(t, 5, attempts)
	require.NotNil(t, locked)
	require.WithinDuration(t, lockUntil, *locked, time.Second)

	// Success clears both the counter and the lockout.
	require.NoError(t, s.TwoFactorSettings().RegisterSuccess(ctx, user.ID, time.Now().UTC()))
	settings, err := s.TwoFactorSettings().Get(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, settings.FailedAttempts)
	require.Nil(t, settings.LockedUntil)
	require.NotNil(t, settings.LastVerifiedAt)
}

func TestUpsertResetsPendingConfiguration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)
	createSettings(t, s, user.ID)

	_, _, err := s.TwoFactorSettings().RegisterFailure(ctx, user.ID, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Re-running setup replaces the secret and clears the stale lockout.
	createSettings(t, s, user.ID)

	settings, err := s.TwoFactorSettings().Get(ctx, user.ID)
	require.NoError(t, err)
	require.False(t, settings.Enabled)
	require.Zero(t, settings.FailedAttempts)
	require.Nil(t, settings.LockedUntil)
}

func TestEnableRequiresExistingRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	err := s.TwoFactorSettings().Enable(ctx, user.ID, time.Now())
	require.ErrorIs(t, err, store.ErrNotFound)

	createSettings(t, s, user.ID)
	require.NoError(t, s.TwoFactorSettings().Enable(ctx, user.ID, time.Now()))

	settings, err := s.TwoFactorSettings().Get(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, settings.Enabled)
}

func TestRecordSmsDispatchRollsWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)
	createSettings(t, s, user.ID)

	now := time.Now().UTC()
	reset := now.Add(time.Hour)

	count, err := s.TwoFactorSettings().RecordSmsDispatch(ctx, user.ID, now, reset)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = s.TwoFactorSettings().RecordSmsDispatch(ctx, user.ID, now.Add(time.Minute), reset)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// Past the window boundary the counter starts over.
	later := reset.Add(time.Second)
	count, err = s.TwoFactorSettings().RecordSmsDispatch(ctx, user.ID, later, later.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestConsumeBackupCodeSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	now := time.Now().UTC()
	code := domain.BackupCode{
		ID:        idx.New().String(),
		UserID:    user.ID,
		CodeHash:  "fingerprint",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}
	require.NoError(t, s.BackupCodes().CreateBackupCode(ctx, code))

	ok, err := s.BackupCodes().ConsumeBackupCode(ctx, code.ID, now, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	require.True(t, ok)

	// A replay of the same code loses.
	ok, err = s.BackupCodes().ConsumeBackupCode(ctx, code.ID, now, "10.0.0.2", "test-agent")
	require.NoError(t, err)
	require.False(t, ok)

	remaining, err := s.BackupCodes().CountActiveBackupCodes(ctx, user.ID, now)
	require.NoError(t, err)
	require.Zero(t, remaining)
}

func TestExpiredBackupCodesAreInactive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	now := time.Now().UTC()
	require.NoError(t, s.BackupCodes().CreateBackupCode(ctx, domain.BackupCode{
		ID:        idx.New().String(),
		UserID:    user.ID,
		CodeHash:  "expired",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-48 * time.Hour),
	}))

	active, err := s.BackupCodes().ListActiveBackupCodes(ctx, user.ID, now)
	require.NoError(t, err)
	require.Empty(t, active)

	require.NoError(t, s.BackupCodes().DeleteExpiredBackupCodes(ctx, now))
	count, err := s.BackupCodes().CountActiveBackupCodes(ctx, user.ID, now)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTempSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	now := time.Now().UTC()
	session := domain.TempSession{
		ID:          idx.New().String(),
		UserID:      user.ID,
		TokenHash:   "token-fingerprint",
		Method:      domain.MethodSms,
		Data:        domain.LoginData{Username: user.Username, IPAddress: "10.0.0.1"},
		MaxAttempts: 5,
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
	require.NoError(t, s.TempSessions().CreateTempSession(ctx, session))

	got, err := s.TempSessions().GetTempSessionByTokenHash(ctx, session.TokenHash)
	require.NoError(t, err)
	require.Equal(t, session.ID, got.ID)
	require.Equal(t, "10.0.0.1", got.Data.IPAddress)
	require.True(t, got.Usable(now))

	latest, err := s.TempSessions().GetLatestActiveTempSession(ctx, user.ID, domain.MethodSms, now)
	require.NoError(t, err)
	require.Equal(t, session.ID, latest.ID)

	// Attach an SMS code fingerprint after dispatch.
	got.Data.SmsCodeHash = "sms-fingerprint"
	require.NoError(t, s.TempSessions().UpdateTempSessionData(ctx, session.ID, got.Data))
	got, err = s.TempSessions().GetTempSessionByTokenHash(ctx, session.TokenHash)
	require.NoError(t, err)
	require.Equal(t, "sms-fingerprint", got.Data.SmsCodeHash)

	attempts, err := s.TempSessions().IncrementTempSessionAttempts(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, s.TempSessions().CompleteTempSession(ctx, session.ID, now))
	got, err = s.TempSessions().GetTempSessionByTokenHash(ctx, session.TokenHash)
	require.NoError(t, err)
	require.True(t, got.Completed)
	require.NotNil(t, got.VerifiedAt)
	firstStamp := *got.VerifiedAt

	// Completion is idempotent and keeps the first stamp.
	require.NoError(t, s.TempSessions().CompleteTempSession(ctx, session.ID, now.Add(time.Minute)))
	got, err = s.TempSessions().GetTempSessionByTokenHash(ctx, session.TokenHash)
	require.NoError(t, err)
	require.WithinDuration(t, firstStamp, *got.VerifiedAt, time.Second)

	require.NoError(t, s.TempSessions().DeleteStaleTempSessions(ctx, now))
	_, err = s.TempSessions().GetTempSessionByTokenHash(ctx, session.TokenHash)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerificationAttemptAudit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	now := time.Now().UTC()
	for i := range 3 {
		require.NoError(t, s.VerificationAttempts().CreateVerificationAttempt(ctx, domain.VerificationAttempt{
			ID:              idx.New().String(),
			UserID:          user.ID,
			Channel:         domain.ChannelTotp,
			CodeFingerprint: "fp",
			Success:         i == 2,
			FailureReason:   "invalid_code",
			IPAddress:       "10.0.0.1",
			AttemptedAt:     now.Add(time.Duration(i) * time.Second),
		}))
	}

	attempts, err := s.VerificationAttempts().ListRecentVerificationAttempts(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.True(t, attempts[0].Success, "newest attempt first")

	require.NoError(t, s.VerificationAttempts().DeleteVerificationAttemptsBefore(ctx, now.Add(5*time.Second)))
	attempts, err = s.VerificationAttempts().ListRecentVerificationAttempts(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := createTestUser(t, s)

	wantErr := context.Canceled
	err := s.WithTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		if err := tx.BackupCodes().CreateBackupCode(ctx, domain.BackupCode{
			ID:        idx.New().String(),
			UserID:    user.ID,
			CodeHash:  "fp",
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	count, err := s.BackupCodes().CountActiveBackupCodes(ctx, user.ID, time.Now())
	require.NoError(t, err)
	require.Zero(t, count)
}
