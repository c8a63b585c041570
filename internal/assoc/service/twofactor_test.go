package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store/drivers/sqlite"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSms struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (r *recordingSms) Send(ctx context.Context, phone string, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.codes = append(r.codes, code)
	return nil
}

func (r *recordingSms) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.codes, "no sms was sent")
	return r.codes[len(r.codes)-1]
}

type testEnv struct {
	store  *sqlite.Store
	svc    *TwoFactorService
	clock  *fakeClock
	sms    *recordingSms
	cipher *cryptox.SecretCipher
	user   domain.User
}

func newTestEnv(t *testing.T, dsn string) *testEnv {
	t.Helper()

	s, err := sqlite.NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.ApplyMigrations())

	cipher, err := cryptox.NewSecretCipher([]byte("test-master-key-for-secrets"))
	require.NoError(t, err)

	clock := newFakeClock()
	sms := &recordingSms{}

	svc := &TwoFactorService{
		Store:  s,
		Cipher: cipher,
		Sms:    sms,
		Audit:  NopAuditSink{},
		Clock:  clock,
		Issuer: "ClubWorks",
	}

	now := clock.Now()
	user := domain.User{
		ID:            idx.New().String(),
		Username:      "alice",
		PreferredName: "Alice",
		PasswordHash:  "argon2:dummy",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.Users().CreateUser(context.Background(), user))

	return &testEnv{store: s, svc: svc, clock: clock, sms: sms, cipher: cipher, user: user}
}

// enrollApp walks a member through app-method setup and enable, and
// returns the TOTP secret plus the backup codes handed out.
func enrollApp(t *testing.T, env *testEnv) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	require.Contains(t, setup.OtpauthURL, "otpauth://")

	code, err := totp.GenerateCode(setup.Secret, env.clock.Now())
	require.NoError(t, err)

	backupCodes, err := env.svc.Enable(ctx, env.user.ID, code, domain.RequestMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.Len(t, backupCodes, backupCodeCount)

	return setup.Secret, backupCodes
}

func TestStatusNotConfigured(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateNotConfigured, status.State)
	require.Zero(t, status.BackupCodesLeft)
}

func TestSetupAndEnableAppMethod(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	secret, backupCodes := enrollApp(t, env)
	require.NotEmpty(t, secret)

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateEnabled, status.State)
	require.Equal(t, domain.MethodApp, status.Method)
	require.Equal(t, len(backupCodes), status.BackupCodesLeft)
	require.NotNil(t, status.LastVerifiedAt)

	// The issued secret never comes back through status.
	require.Empty(t, status.PhoneNumber)
}

func TestSetupPendingUntilEnabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.NoError(t, err)

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingSetup, status.State)

	// A pending member cannot pass normal verification.
	err = env.svc.Verify(ctx, env.user.ID, "123456", "", domain.RequestMeta{})
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled)
}

func TestEnableRejectsWrongCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.NoError(t, err)

	_, err = env.svc.Enable(ctx, env.user.ID, "000000", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingSetup, status.State)
}

func TestEnableTwiceFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, _ := enrollApp(t, env)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.svc.Enable(ctx, env.user.ID, code, domain.RequestMeta{})
	require.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)

	_, err = env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.ErrorIs(t, err, ErrTwoFactorAlreadyEnabled)
}

func TestVerifyAcceptsDriftedCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, _ := enrollApp(t, env)

	// Codes up to two steps in the past stay valid within the skew.
	code, err := totp.GenerateCode(secret, env.clock.Now().Add(-60*time.Second))
	require.NoError(t, err)
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{}))

	// Three steps out is beyond the window.
	code, err = totp.GenerateCode(secret, env.clock.Now().Add(-90*time.Second))
	require.NoError(t, err)
	err = env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestVerifyLockoutAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, _ := enrollApp(t, env)

	for range defaultMaxFailedAttempts - 1 {
		err := env.svc.Verify(ctx, env.user.ID, "000000", "", domain.RequestMeta{})
		require.ErrorIs(t, err, domain.ErrInvalidCode)
	}

	// The failure that reaches the threshold reports the lockout.
	err := env.svc.Verify(ctx, env.user.ID, "000000", "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrAccountLocked)

	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	require.Greater(t, secErr.RetryAfter, time.Duration(0))

	// Even a correct code is refused while locked, without being evaluated.
	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	err = env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrAccountLocked)

	// The lockout expires on its own and a success clears the counters.
	env.clock.Advance(defaultLockoutDuration + time.Second)
	code, err = totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{}))

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Zero(t, status.FailedAttempts)
	require.Nil(t, status.LockedUntil)
}

func TestVerifyWritesLedgerBeforeRefusal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	enrollApp(t, env)

	err := env.svc.Verify(ctx, env.user.ID, "000000", "", domain.RequestMeta{IPAddress: "10.1.2.3", UserAgent: "test"})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	attempts, err := env.store.VerificationAttempts().ListRecentVerificationAttempts(ctx, env.user.ID, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.False(t, attempts[0].Success)
	require.Equal(t, "invalid_code", attempts[0].FailureReason)
	require.Equal(t, "10.1.2.3", attempts[0].IPAddress)
	require.Equal(t, cryptox.FingerprintToken("000000"), attempts[0].CodeFingerprint)
}

func TestBackupCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	_, backupCodes := enrollApp(t, env)

	code := backupCodes[0]
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, domain.ChannelBackup, domain.RequestMeta{}))

	// Replays are plain invalid codes.
	err := env.svc.Verify(ctx, env.user.ID, code, domain.ChannelBackup, domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, backupCodeCount-1, status.BackupCodesLeft)
}

func TestBackupCodeToleratesTranscriptionSlips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	_, backupCodes := enrollApp(t, env)

	// Lowercase with a hyphen in the middle still matches.
	code := backupCodes[0]
	sloppy := strings.ToLower(code[:4]) + "-" + code[4:]
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, sloppy, domain.ChannelBackup, domain.RequestMeta{}))
}

func TestBackupCodeConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "assoc.db") + "?_pragma=busy_timeout(5000)"
	env := newTestEnv(t, dsn)
	_, backupCodes := enrollApp(t, env)

	const racers = 8
	code := backupCodes[0]

	// Give the lockout enough headroom that losing racers stay plain
	// invalid-code refusals.
	env.svc.MaxFailedAttempts = racers * 2

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.svc.Verify(ctx, env.user.ID, code, domain.ChannelBackup, domain.RequestMeta{})
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, domain.ErrInvalidCode)
		}
	}
	require.Equal(t, 1, wins, "exactly one racer may redeem the code")
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, oldCodes := enrollApp(t, env)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	newCodes, err := env.svc.RegenerateBackupCodes(ctx, env.user.ID, code, domain.RequestMeta{})
	require.NoError(t, err)
	require.Len(t, newCodes, backupCodeCount)
	require.NotEqual(t, oldCodes, newCodes)

	err = env.svc.Verify(ctx, env.user.ID, oldCodes[0], domain.ChannelBackup, domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, newCodes[0], domain.ChannelBackup, domain.RequestMeta{}))
}

func TestDisableRequiresCurrentFactor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, backupCodes := enrollApp(t, env)

	// Backup codes are not accepted for disable.
	err := env.svc.Disable(ctx, env.user.ID, backupCodes[0], domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.Disable(ctx, env.user.ID, code, domain.RequestMeta{}))

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateNotConfigured, status.State)
	require.Zero(t, status.BackupCodesLeft)
}

func TestAdminForceDisable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	enrollApp(t, env)

	require.NoError(t, env.svc.AdminForceDisable(ctx, "admin-1", env.user.ID))

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateNotConfigured, status.State)

	err = env.svc.AdminForceDisable(ctx, "admin-1", env.user.ID)
	require.ErrorIs(t, err, ErrTwoFactorNotEnabled)
}

func TestSmsEnrolmentFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	setup, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.Empty(t, setup.Secret, "sms enrolment never exposes the secret")

	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))

	backupCodes, err := env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)
	require.Len(t, backupCodes, backupCodeCount)

	status, err := env.svc.Status(ctx, env.user.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateEnabled, status.State)
	require.Equal(t, domain.MethodSms, status.Method)
	require.Equal(t, "**********56", status.PhoneNumber)

	// Every enabled configuration carries an encrypted secret, sms
	// included: the stored seed doubles as an authenticator fallback.
	settings, err := env.store.TwoFactorSettings().Get(ctx, env.user.ID)
	require.NoError(t, err)
	require.True(t, settings.Enabled)
	require.NotEmpty(t, settings.EncryptedSecret)

	// The fallback seed verifies over the totp channel.
	secret, err := env.cipher.Decrypt(settings.EncryptedSecret)
	require.NoError(t, err)
	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, domain.ChannelTotp, domain.RequestMeta{}))
}

func TestSmsSetupRequiresPhone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "")
	require.ErrorIs(t, err, ErrPhoneNumberRequired)
}

func TestSmsCodeSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	code := env.sms.last(t)

	_, err = env.svc.Enable(ctx, env.user.ID, code, domain.RequestMeta{})
	require.NoError(t, err)

	// The challenge is consumed; the same code cannot verify again.
	err = env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestSmsWrongCodeSpendsChallengeAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	_, err = env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)

	env.clock.Advance(defaultSmsResendCooldown + time.Second)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	code := env.sms.last(t)

	session, err := env.store.TempSessions().GetLatestActiveTempSession(ctx, env.user.ID, domain.MethodSms, env.clock.Now())
	require.NoError(t, err)
	require.Zero(t, session.Attempts)

	// Wrong guesses through the verify path spend the challenge's
	// attempt budget, not just guesses made during login.
	for i := 1; i <= 2; i++ {
		err = env.svc.Verify(ctx, env.user.ID, "000000", "", domain.RequestMeta{})
		require.ErrorIs(t, err, domain.ErrInvalidCode)

		session, err = env.store.TempSessions().GetLatestActiveTempSession(ctx, env.user.ID, domain.MethodSms, env.clock.Now())
		require.NoError(t, err)
		require.Equal(t, i, session.Attempts)
	}

	// The dispatched code still verifies while budget remains.
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{}))
}

func TestSmsChallengeAttemptExhaustion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	_, err = env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)

	// Widen the account lockout so the challenge budget is what trips.
	env.svc.MaxFailedAttempts = 50

	env.clock.Advance(defaultSmsResendCooldown + time.Second)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	code := env.sms.last(t)

	for range defaultSessionMaxAttempts {
		err = env.svc.Verify(ctx, env.user.ID, "000000", "", domain.RequestMeta{})
		require.ErrorIs(t, err, domain.ErrInvalidCode)
	}

	// The challenge is spent: even the right code is refused.
	err = env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)
}

func TestSmsResendCooldownAndHourlyCap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)

	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))

	// Immediate resend trips the cooldown.
	err = env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSmsRateLimited)

	var secErr *domain.SecurityError
	require.ErrorAs(t, err, &secErr)
	require.Greater(t, secErr.RetryAfter, time.Duration(0))

	// Spaced sends pass until the hourly cap is reached.
	for range defaultSmsHourlyLimit - 1 {
		env.clock.Advance(defaultSmsResendCooldown + time.Second)
		require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	}

	env.clock.Advance(defaultSmsResendCooldown + time.Second)
	err = env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSmsRateLimited)

	// A fresh window starts once the first send's hour has fully lapsed.
	env.clock.Advance(time.Hour)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
}

func TestRecentlyVerified(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")
	secret, _ := enrollApp(t, env)

	fresh, err := env.svc.RecentlyVerified(ctx, env.user.ID, MemberReverifyWindow)
	require.NoError(t, err)
	require.True(t, fresh, "enable counts as a verification")

	env.clock.Advance(AdminReverifyWindow + time.Minute)
	fresh, err = env.svc.RecentlyVerified(ctx, env.user.ID, AdminReverifyWindow)
	require.NoError(t, err)
	require.False(t, fresh)

	// Member window is wider than the admin one.
	fresh, err = env.svc.RecentlyVerified(ctx, env.user.ID, MemberReverifyWindow)
	require.NoError(t, err)
	require.True(t, fresh)

	env.clock.Advance(MemberReverifyWindow)
	fresh, err = env.svc.RecentlyVerified(ctx, env.user.ID, MemberReverifyWindow)
	require.NoError(t, err)
	require.False(t, fresh)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, env.svc.Verify(ctx, env.user.ID, code, "", domain.RequestMeta{}))

	fresh, err = env.svc.RecentlyVerified(ctx, env.user.ID, AdminReverifyWindow)
	require.NoError(t, err)
	require.True(t, fresh)
}

func TestSetupReplacesPendingSecret(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	first, err := env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.NoError(t, err)
	second, err := env.svc.Setup(ctx, env.user.ID, domain.MethodApp, "")
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// Only the latest secret verifies.
	staleCode, err := totp.GenerateCode(first.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.svc.Enable(ctx, env.user.ID, staleCode, domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	code, err := totp.GenerateCode(second.Secret, env.clock.Now())
	require.NoError(t, err)
	_, err = env.svc.Enable(ctx, env.user.ID, code, domain.RequestMeta{})
	require.NoError(t, err)
}

func TestSmsGatewayFailureSurfacesAsDependency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ":memory:")

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)

	env.sms.err = errors.New("gateway unreachable")
	err = env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{})

	var depErr *domain.DependencyError
	require.ErrorAs(t, err, &depErr)
}
