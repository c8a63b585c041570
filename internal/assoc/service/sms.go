package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/idx"
)

// SmsSender delivers a verification code to a phone number. Production
// wires a gateway client; development logs the code instead.
type SmsSender interface {
	Send(ctx context.Context, phone string, code string) error
}

// LogSmsSender writes codes to the log instead of sending them. Only for
// local development.
type LogSmsSender struct {
	Logger *slog.Logger
}

func (s *LogSmsSender) Send(ctx context.Context, phone string, code string) error {
	s.Logger.WarnContext(ctx, "sms sender not configured, logging code instead",
		"phone", maskPhone(phone), "code", code)
	return nil
}

// SendSmsCode generates a fresh code, attaches its fingerprint to the
// member's active SMS challenge (creating one when none exists, e.g.
// during enrolment) and dispatches it. Rate limiting is per member: a
// resend cooldown plus a rolling hourly cap.
func (s *TwoFactorService) SendSmsCode(ctx context.Context, userID string, meta domain.RequestMeta) error {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTwoFactorNotEnrolled
	}
	if err != nil {
		return domain.Dependency("failed to load two-factor settings", err)
	}
	if settings.PhoneNumber == nil || *settings.PhoneNumber == "" {
		return ErrPhoneNumberRequired
	}

	now := s.now()

	if settings.SmsLastSentAt != nil {
		if since := now.Sub(*settings.SmsLastSentAt); since < s.smsResendCooldown() {
			return domain.SmsRateLimitedError(s.smsResendCooldown() - since)
		}
	}
	if settings.SmsWindowReset != nil && now.Before(*settings.SmsWindowReset) && settings.SmsSendCount >= s.smsHourlyLimit() {
		return domain.SmsRateLimitedError(settings.SmsWindowReset.Sub(now))
	}

	// The conditional update closes the race between the precheck above
	// and two concurrent sends.
	count, err := s.Store.TwoFactorSettings().RecordSmsDispatch(ctx, userID, now, now.Add(time.Hour))
	if err != nil {
		return domain.Dependency("failed to record sms dispatch", err)
	}
	if count > s.smsHourlyLimit() {
		return domain.SmsRateLimitedError(time.Hour)
	}

	code, err := cryptox.NumericCode(smsCodeDigits)
	if err != nil {
		return domain.Dependency("failed to generate sms code", err)
	}

	session, err := s.Store.TempSessions().GetLatestActiveTempSession(ctx, userID, domain.MethodSms, now)
	if errors.Is(err, store.ErrNotFound) {
		session, err = s.createSmsChallenge(ctx, userID, meta, now)
	}
	if err != nil {
		return domain.Dependency("failed to prepare sms challenge", err)
	}

	session.Data.SmsCodeHash = cryptox.FingerprintToken(code)
	session.Data.SmsSentAt = now.UTC().Format(time.RFC3339)
	if err := s.Store.TempSessions().UpdateTempSessionData(ctx, session.ID, session.Data); err != nil {
		return domain.Dependency("failed to attach sms code to challenge", err)
	}

	if err := s.Sms.Send(ctx, *settings.PhoneNumber, code); err != nil {
		return domain.Dependency("failed to send sms", err)
	}

	s.audit(ctx, AuditEvent{Action: "2fa.sms_sent", UserID: userID, Success: true})
	return nil
}

// createSmsChallenge backs an enrolment-time code with its own session,
// since no login challenge exists yet. The opaque token is discarded;
// verification finds the session by member.
func (s *TwoFactorService) createSmsChallenge(ctx context.Context, userID string, meta domain.RequestMeta, now time.Time) (domain.TempSession, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return domain.TempSession{}, err
	}

	session := domain.TempSession{
		ID:          idx.New().String(),
		UserID:      userID,
		TokenHash:   cryptox.FingerprintToken(token),
		Method:      domain.MethodSms,
		Data:        domain.LoginData{IPAddress: meta.IPAddress, UserAgent: meta.UserAgent},
		MaxAttempts: s.sessionMaxAttempts(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL()),
	}
	if err := s.Store.TempSessions().CreateTempSession(ctx, session); err != nil {
		return domain.TempSession{}, err
	}
	return session, nil
}
