package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpSkew is the number of 30-second steps accepted either side of now,
// to absorb device clock drift.
const totpSkew = 2

// verify runs one verification attempt against loaded settings. The
// ledger row is always written before a refusal is returned.
func (s *TwoFactorService) verify(ctx context.Context, settings domain.TwoFactorSettings, code string, channel domain.Channel, meta domain.RequestMeta) error {
	now := s.now()

	if settings.Locked(now) {
		if err := s.recordAttempt(ctx, settings, channel, code, false, "account_locked", meta, now); err != nil {
			return err
		}
		return domain.LockedError(settings.LockedUntil.Sub(now))
	}

	ok, err := s.checkCode(ctx, settings, code, channel, meta, now)
	if err != nil {
		return err
	}

	if !ok {
		if err := s.recordAttempt(ctx, settings, channel, code, false, "invalid_code", meta, now); err != nil {
			return err
		}

		_, lockedUntil, err := s.Store.TwoFactorSettings().RegisterFailure(ctx, settings.UserID, s.maxFailed(), now.Add(s.lockoutFor()))
		if err != nil {
			return domain.Dependency("failed to register verification failure", err)
		}
		if lockedUntil != nil {
			s.audit(ctx, AuditEvent{Action: "2fa.lockout", UserID: settings.UserID, Success: false, Detail: "failure threshold reached"})
			return domain.LockedError(lockedUntil.Sub(now))
		}
		return domain.ErrInvalidCode
	}

	if err := s.Store.TwoFactorSettings().RegisterSuccess(ctx, settings.UserID, now); err != nil {
		return domain.Dependency("failed to register verification success", err)
	}
	return s.recordAttempt(ctx, settings, channel, code, true, "", meta, now)
}

// checkCode evaluates the code against the requested channel. It returns
// (false, nil) for a wrong code; errors are reserved for infrastructure
// failures.
func (s *TwoFactorService) checkCode(ctx context.Context, settings domain.TwoFactorSettings, code string, channel domain.Channel, meta domain.RequestMeta, now time.Time) (bool, error) {
	switch channel {
	case domain.ChannelTotp:
		return s.checkTotp(settings, code, now)
	case domain.ChannelSms:
		return s.checkSms(ctx, settings, code, now)
	case domain.ChannelBackup:
		return s.checkBackup(ctx, settings, code, meta, now)
	default:
		return false, ErrUnknownChannel
	}
}

func (s *TwoFactorService) checkTotp(settings domain.TwoFactorSettings, code string, now time.Time) (bool, error) {
	if len(settings.EncryptedSecret) == 0 {
		return false, nil
	}

	secret, err := s.Cipher.Decrypt(settings.EncryptedSecret)
	if err != nil {
		return false, domain.Dependency("failed to decrypt TOTP secret", err)
	}

	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed input (wrong length, bad characters) is just a wrong code.
		return false, nil
	}
	return ok, nil
}

// checkSms matches the code against the most recent open SMS challenge.
// A correct code consumes the challenge so it cannot be replayed; a wrong
// one spends an attempt on it.
func (s *TwoFactorService) checkSms(ctx context.Context, settings domain.TwoFactorSettings, code string, now time.Time) (bool, error) {
	session, err := s.Store.TempSessions().GetLatestActiveTempSession(ctx, settings.UserID, domain.MethodSms, now)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.Dependency("failed to load sms challenge", err)
	}
	if session.Data.SmsCodeHash == "" {
		return false, nil
	}

	fingerprint := cryptox.FingerprintToken(code)
	if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(session.Data.SmsCodeHash)) != 1 {
		// A wrong guess burns one of the challenge's attempts, whichever
		// endpoint submitted it.
		if _, err := s.Store.TempSessions().IncrementTempSessionAttempts(ctx, session.ID); err != nil {
			return false, domain.Dependency("failed to count challenge attempt", err)
		}
		return false, nil
	}

	if err := s.Store.TempSessions().CompleteTempSession(ctx, session.ID, now); err != nil {
		return false, domain.Dependency("failed to consume sms challenge", err)
	}
	return true, nil
}

// checkBackup redeems a single-use recovery code. The conditional
// consume guarantees exactly one winner when the same code races.
func (s *TwoFactorService) checkBackup(ctx context.Context, settings domain.TwoFactorSettings, code string, meta domain.RequestMeta, now time.Time) (bool, error) {
	active, err := s.Store.BackupCodes().ListActiveBackupCodes(ctx, settings.UserID, now)
	if err != nil {
		return false, domain.Dependency("failed to load backup codes", err)
	}

	fingerprint := cryptox.FingerprintToken(normaliseBackupCode(code))
	for _, candidate := range active {
		if subtle.ConstantTimeCompare([]byte(fingerprint), []byte(candidate.CodeHash)) != 1 {
			continue
		}
		consumed, err := s.Store.BackupCodes().ConsumeBackupCode(ctx, candidate.ID, now, meta.IPAddress, meta.UserAgent)
		if err != nil {
			return false, domain.Dependency("failed to consume backup code", err)
		}
		return consumed, nil
	}
	return false, nil
}

// normaliseBackupCode forgives the usual transcription slips: spacing,
// hyphens, lowercase and the Crockford confusables (I, L, O).
func normaliseBackupCode(code string) string {
	var b []byte
	for _, r := range code {
		switch {
		case r == ' ' || r == '-':
			continue
		case r >= 'a' && r <= 'z':
			r -= 'a' - 'A'
		}
		switch r {
		case 'I', 'L':
			r = '1'
		case 'O':
			r = '0'
		}
		b = append(b, byte(r))
	}
	return string(b)
}

func (s *TwoFactorService) recordAttempt(ctx context.Context, settings domain.TwoFactorSettings, channel domain.Channel, code string, success bool, reason string, meta domain.RequestMeta, now time.Time) error {
	attempt := domain.VerificationAttempt{
		ID:              idx.New().String(),
		UserID:          settings.UserID,
		Channel:         channel,
		CodeFingerprint: cryptox.FingerprintToken(code),
		Success:         success,
		FailureReason:   reason,
		IPAddress:       meta.IPAddress,
		UserAgent:       meta.UserAgent,
		RiskScore:       riskScore(settings, channel, meta),
		AttemptedAt:     now,
	}
	if err := s.Store.VerificationAttempts().CreateVerificationAttempt(ctx, attempt); err != nil {
		return domain.Dependency("failed to record verification attempt", err)
	}
	return nil
}

// riskScore is a coarse 0-100 heuristic recorded with each attempt so
// reviews can sort the noisy failures from the interesting ones.
func riskScore(settings domain.TwoFactorSettings, channel domain.Channel, meta domain.RequestMeta) int {
	score := 0

	// Repeated failures escalate quickly.
	score += min(settings.FailedAttempts*15, 60)

	// Recovery codes are for emergencies; their use is worth a look.
	if channel == domain.ChannelBackup {
		score += 20
	}

	// Requests with no client context are unusual for a browser API.
	if meta.IPAddress == "" {
		score += 10
	}
	if meta.UserAgent == "" {
		score += 10
	}

	return min(score, 100)
}
