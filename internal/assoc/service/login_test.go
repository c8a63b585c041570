package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/jwtx"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

const testPassword = "correct horse battery staple"

func TestMain(m *testing.M) {
	pepperPath := filepath.Join(os.TempDir(), "assoc-service-test-pepper")
	cryptox.SetPepperPath(pepperPath)

	os.Remove(pepperPath)
	defer os.Remove(pepperPath)

	os.Exit(m.Run())
}

func newLoginEnv(t *testing.T) (*testEnv, *LoginService, *jwtx.Verifier) {
	t.Helper()

	env := newTestEnv(t, ":memory:")

	hash, err := cryptox.HashPassword(testPassword)
	require.NoError(t, err)
	require.NoError(t, env.store.Users().UpdatePasswordHash(context.Background(), env.user.ID, hash))

	signer, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)

	keys := jwtx.NewKeySet()
	keys.AddSigner(signer)

	login := &LoginService{
		Store:     env.store,
		TwoFactor: env.svc,
		Signer:    signer,
		Issuer:    "assoc-api",
		Clock:     env.clock,
		Audit:     NopAuditSink{},
	}
	return env, login, jwtx.NewVerifier(keys, "assoc-api")
}

func TestLoginWrongPassword(t *testing.T) {
	ctx := context.Background()
	env, login, _ := newLoginEnv(t)

	_, err := login.Login(ctx, env.user.Username, "wrong", domain.RequestMeta{})
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = login.Login(ctx, "nobody", testPassword, domain.RequestMeta{})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithoutTwoFactorIssuesToken(t *testing.T) {
	ctx := context.Background()
	env, login, verifier := newLoginEnv(t)

	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)
	require.Nil(t, result.Challenge)
	require.NotEmpty(t, result.AccessToken)
	require.Equal(t, "Bearer", result.TokenType)

	claims, err := verifier.Verify(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, env.user.ID, claims.Subject)
	require.True(t, claims.HasAMR(jwtx.AMRPassword))
	require.False(t, claims.HasAMR(jwtx.AMRMFA), "password-only login must not claim mfa")
}

func TestLoginWithTotpChallenge(t *testing.T) {
	ctx := context.Background()
	env, login, verifier := newLoginEnv(t)
	secret, _ := enrollApp(t, env)

	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{IPAddress: "10.0.0.9"})
	require.NoError(t, err)
	require.Empty(t, result.AccessToken, "no token before the second factor")
	require.NotNil(t, result.Challenge)
	require.True(t, result.Challenge.TwoFactorRequired)
	require.Equal(t, domain.MethodApp, result.Challenge.Method)

	tempToken := result.Challenge.TempToken

	// A wrong code burns a session attempt but keeps the challenge alive.
	_, err = login.CompleteTwoFactor(ctx, tempToken, "000000", "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	completed, err := login.CompleteTwoFactor(ctx, tempToken, code, "", domain.RequestMeta{})
	require.NoError(t, err)
	require.NotEmpty(t, completed.AccessToken)

	claims, err := verifier.Verify(completed.AccessToken)
	require.NoError(t, err)
	require.True(t, claims.HasAMR(jwtx.AMRMFA))
	require.True(t, claims.HasAMR(jwtx.AMROTP))

	// The challenge is spent; it cannot mint a second token.
	code, err = totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	_, err = login.CompleteTwoFactor(ctx, tempToken, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLoginChallengeRejectsGarbageToken(t *testing.T) {
	ctx := context.Background()
	_, login, _ := newLoginEnv(t)

	_, err := login.CompleteTwoFactor(ctx, "not-a-real-token", "123456", "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLoginChallengeExpires(t *testing.T) {
	ctx := context.Background()
	env, login, _ := newLoginEnv(t)
	secret, _ := enrollApp(t, env)

	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)

	env.clock.Advance(defaultSessionTTL + time.Second)

	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	_, err = login.CompleteTwoFactor(ctx, result.Challenge.TempToken, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLoginChallengeAttemptBudget(t *testing.T) {
	ctx := context.Background()
	env, login, _ := newLoginEnv(t)
	secret, _ := enrollApp(t, env)

	// Widen the account lockout so the session budget is what trips.
	env.svc.MaxFailedAttempts = 50

	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)
	tempToken := result.Challenge.TempToken

	for range defaultSessionMaxAttempts {
		_, err = login.CompleteTwoFactor(ctx, tempToken, "000000", "", domain.RequestMeta{})
		require.ErrorIs(t, err, domain.ErrInvalidCode)
	}

	// Budget exhausted: even the right code is refused.
	code, err := totp.GenerateCode(secret, env.clock.Now())
	require.NoError(t, err)
	_, err = login.CompleteTwoFactor(ctx, tempToken, code, "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLoginSmsFlow(t *testing.T) {
	ctx := context.Background()
	env, login, verifier := newLoginEnv(t)

	// Enrol with SMS as the second factor.
	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	_, err = env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)

	env.clock.Advance(defaultSmsResendCooldown + time.Second)

	// Login dispatches a code to the enrolled number automatically.
	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.Challenge)
	require.Equal(t, domain.MethodSms, result.Challenge.Method)

	completed, err := login.CompleteTwoFactor(ctx, result.Challenge.TempToken, env.sms.last(t), "", domain.RequestMeta{})
	require.NoError(t, err)

	claims, err := verifier.Verify(completed.AccessToken)
	require.NoError(t, err)
	require.True(t, claims.HasAMR(jwtx.AMRMFA))
}

func TestLoginSmsWrongCodeCountsOnce(t *testing.T) {
	ctx := context.Background()
	env, login, _ := newLoginEnv(t)

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	_, err = env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)

	env.clock.Advance(defaultSmsResendCooldown + time.Second)

	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)
	tempToken := result.Challenge.TempToken

	_, err = login.CompleteTwoFactor(ctx, tempToken, "000000", "", domain.RequestMeta{})
	require.ErrorIs(t, err, domain.ErrInvalidCode)

	// One wrong guess spends exactly one attempt on the challenge.
	session, err := env.store.TempSessions().GetTempSessionByTokenHash(ctx, cryptox.FingerprintToken(tempToken))
	require.NoError(t, err)
	require.Equal(t, 1, session.Attempts)

	// The dispatched code still completes the login.
	completed, err := login.CompleteTwoFactor(ctx, tempToken, env.sms.last(t), "", domain.RequestMeta{})
	require.NoError(t, err)
	require.NotEmpty(t, completed.AccessToken)
}

func TestLoginSmsRateLimitedStillChallenges(t *testing.T) {
	ctx := context.Background()
	env, login, _ := newLoginEnv(t)

	_, err := env.svc.Setup(ctx, env.user.ID, domain.MethodSms, "+61400123456")
	require.NoError(t, err)
	require.NoError(t, env.svc.SendSmsCode(ctx, env.user.ID, domain.RequestMeta{}))
	_, err = env.svc.Enable(ctx, env.user.ID, env.sms.last(t), domain.RequestMeta{})
	require.NoError(t, err)

	// Logging in immediately trips the resend cooldown. The login still
	// issues a challenge rather than failing outright.
	result, err := login.Login(ctx, env.user.Username, testPassword, domain.RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, result.Challenge)
}
