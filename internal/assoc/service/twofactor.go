package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/cryptox"
	"github.com/clubworks/assoc/pkg/idx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	backupCodeCount = 10 // number of backup codes issued per generation
	smsCodeDigits   = 6

	defaultMaxFailedAttempts  = 5
	defaultLockoutDuration    = 15 * time.Minute
	defaultSessionTTL         = 10 * time.Minute
	defaultSessionMaxAttempts = 5
	defaultSmsHourlyLimit     = 5
	defaultSmsResendCooldown  = time.Minute
	defaultBackupCodeTTL      = 365 * 24 * time.Hour
)

// Re-verification staleness windows for sensitive operations. Admin
// actions tolerate less staleness than member self-service.
const (
	MemberReverifyWindow = 30 * time.Minute
	AdminReverifyWindow  = 15 * time.Minute
)

var (
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor already enabled for this user")
	ErrTwoFactorNotEnabled     = errors.New("two-factor not enabled for this user")
	ErrTwoFactorNotEnrolled    = errors.New("two-factor enrolment not started")
	ErrPhoneNumberRequired     = errors.New("phone number required for the sms method")
	ErrUnknownMethod           = errors.New("unknown two-factor method")
	ErrUnknownChannel          = errors.New("unknown verification channel")
)

// TwoFactorService owns the two-factor state machine: enrolment,
// verification, lockouts, backup codes and SMS dispatch. All tunables
// default sensibly when left zero.
type TwoFactorService struct {
	Store  store.Store
	Cipher *cryptox.SecretCipher
	Sms    SmsSender
	Audit  AuditSink
	Clock  Clock
	Issuer string // TOTP issuer label shown in authenticator apps

	MaxFailedAttempts  int
	LockoutDuration    time.Duration
	SessionTTL         time.Duration
	SessionMaxAttempts int
	SmsHourlyLimit     int
	SmsResendCooldown  time.Duration
	BackupCodeTTL      time.Duration
}

func (s *TwoFactorService) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

func (s *TwoFactorService) audit(ctx context.Context, e AuditEvent) {
	if s.Audit != nil {
		s.Audit.Record(ctx, e)
	}
}

func (s *TwoFactorService) maxFailed() int {
	if s.MaxFailedAttempts > 0 {
		return s.MaxFailedAttempts
	}
	return defaultMaxFailedAttempts
}

func (s *TwoFactorService) lockoutFor() time.Duration {
	if s.LockoutDuration > 0 {
		return s.LockoutDuration
	}
	return defaultLockoutDuration
}

func (s *TwoFactorService) sessionTTL() time.Duration {
	if s.SessionTTL > 0 {
		return s.SessionTTL
	}
	return defaultSessionTTL
}

func (s *TwoFactorService) sessionMaxAttempts() int {
	if s.SessionMaxAttempts > 0 {
		return s.SessionMaxAttempts
	}
	return defaultSessionMaxAttempts
}

func (s *TwoFactorService) smsHourlyLimit() int {
	if s.SmsHourlyLimit > 0 {
		return s.SmsHourlyLimit
	}
	return defaultSmsHourlyLimit
}

func (s *TwoFactorService) smsResendCooldown() time.Duration {
	if s.SmsResendCooldown > 0 {
		return s.SmsResendCooldown
	}
	return defaultSmsResendCooldown
}

func (s *TwoFactorService) backupCodeTTL() time.Duration {
	if s.BackupCodeTTL > 0 {
		return s.BackupCodeTTL
	}
	return defaultBackupCodeTTL
}

// Status summarises a member's two-factor posture. Never returns secret
// material; the phone number comes back masked.
func (s *TwoFactorService) Status(ctx context.Context, userID string) (domain.StatusResponse, error) {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.StatusResponse{State: domain.StateNotConfigured}, nil
	}
	if err != nil {
		return domain.StatusResponse{}, domain.Dependency("failed to load two-factor settings", err)
	}

	remaining, err := s.Store.BackupCodes().CountActiveBackupCodes(ctx, userID, s.now())
	if err != nil {
		return domain.StatusResponse{}, domain.Dependency("failed to count backup codes", err)
	}

	resp := domain.StatusResponse{
		State:           settings.State(),
		Method:          settings.Method,
		LastVerifiedAt:  settings.LastVerifiedAt,
		FailedAttempts:  settings.FailedAttempts,
		BackupCodesLeft: remaining,
	}
	if settings.Locked(s.now()) {
		resp.LockedUntil = settings.LockedUntil
	}
	if settings.PhoneNumber != nil {
		resp.PhoneNumber = maskPhone(*settings.PhoneNumber)
	}
	return resp, nil
}

// Setup begins enrolment for a method. A fresh TOTP secret is minted and
// stored encrypted for every method; the app flow returns it exactly
// once, while sms records the delivery number and keeps the secret as an
// authenticator fallback. Nothing is enabled until the first code is
// confirmed through Enable.
func (s *TwoFactorService) Setup(ctx context.Context, userID string, method domain.Method, phone string) (domain.SetupResponse, error) {
	user, err := s.Store.Users().GetUserByID(ctx, userID)
	if err != nil {
		return domain.SetupResponse{}, fmt.Errorf("failed to load user: %w", err)
	}

	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return domain.SetupResponse{}, domain.Dependency("failed to load two-factor settings", err)
	}
	if err == nil && settings.Enabled {
		return domain.SetupResponse{}, ErrTwoFactorAlreadyEnabled
	}

	now := s.now()
	row := domain.TwoFactorSettings{
		UserID:    userID,
		Method:    method,
		CreatedAt: now,
		UpdatedAt: now,
	}
	resp := domain.SetupResponse{Method: method}

	switch method {
	case domain.MethodApp:
	case domain.MethodSms:
		if phone == "" && user.PhoneNumber != nil {
			phone = *user.PhoneNumber
		}
		if phone == "" {
			return domain.SetupResponse{}, ErrPhoneNumberRequired
		}
		row.PhoneNumber = &phone
	default:
		return domain.SetupResponse{}, ErrUnknownMethod
	}

	// Every enrolment gets a secret so an enabled configuration always
	// carries one. Only the app flow hands it to the member.
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Username,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return domain.SetupResponse{}, domain.Dependency("failed to generate TOTP key", err)
	}

	encrypted, err := s.Cipher.Encrypt(key.Secret())
	if err != nil {
		return domain.SetupResponse{}, domain.Dependency("failed to encrypt TOTP secret", err)
	}
	row.EncryptedSecret = encrypted

	if method == domain.MethodApp {
		resp.Secret = key.Secret()
		resp.OtpauthURL = key.URL()
	}

	if err := s.Store.TwoFactorSettings().Upsert(ctx, row); err != nil {
		return domain.SetupResponse{}, domain.Dependency("failed to store two-factor settings", err)
	}

	s.audit(ctx, AuditEvent{Action: "2fa.setup", UserID: userID, Success: true, Detail: string(method)})
	return resp, nil
}

// Enable confirms enrolment with a first code from the chosen factor and
// flips the configuration on. The returned backup codes are shown to the
// member exactly once.
func (s *TwoFactorService) Enable(ctx context.Context, userID string, code string, meta domain.RequestMeta) ([]string, error) {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTwoFactorNotEnrolled
	}
	if err != nil {
		return nil, domain.Dependency("failed to load two-factor settings", err)
	}
	if settings.Enabled {
		return nil, ErrTwoFactorAlreadyEnabled
	}

	if err := s.verify(ctx, settings, code, settings.Method.DefaultChannel(), meta); err != nil {
		s.audit(ctx, AuditEvent{Action: "2fa.enable", UserID: userID, Success: false, Detail: "verification failed"})
		return nil, err
	}

	codes, err := s.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.Store.TwoFactorSettings().Enable(ctx, userID, s.now()); err != nil {
		return nil, domain.Dependency("failed to enable two-factor", err)
	}

	s.audit(ctx, AuditEvent{Action: "2fa.enable", UserID: userID, Success: true, Detail: string(settings.Method)})
	return codes, nil
}

// Verify checks a code for an already-enabled member, applying lockout
// bookkeeping and the attempt ledger. An empty channel means the default
// for the configured method.
func (s *TwoFactorService) Verify(ctx context.Context, userID string, code string, channel domain.Channel, meta domain.RequestMeta) error {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTwoFactorNotEnabled
	}
	if err != nil {
		return domain.Dependency("failed to load two-factor settings", err)
	}
	if !settings.Enabled {
		return ErrTwoFactorNotEnabled
	}

	if channel == "" {
		channel = settings.Method.DefaultChannel()
	}
	return s.verify(ctx, settings, code, channel, meta)
}

// Disable turns two-factor off after re-proving possession of the
// configured factor. Backup codes are not accepted here: a member down
// to recovery codes should contact an administrator instead.
func (s *TwoFactorService) Disable(ctx context.Context, userID string, code string, meta domain.RequestMeta) error {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTwoFactorNotEnabled
	}
	if err != nil {
		return domain.Dependency("failed to load two-factor settings", err)
	}
	if !settings.Enabled {
		return ErrTwoFactorNotEnabled
	}

	if err := s.verify(ctx, settings, code, settings.Method.DefaultChannel(), meta); err != nil {
		s.audit(ctx, AuditEvent{Action: "2fa.disable", UserID: userID, Success: false, Detail: "verification failed"})
		return err
	}

	if err := s.removeConfiguration(ctx, userID); err != nil {
		return err
	}

	s.audit(ctx, AuditEvent{Action: "2fa.disable", UserID: userID, Success: true})
	return nil
}

// AdminForceDisable removes a member's two-factor configuration without
// a code, for lockout recovery (lost phone, changed number). The actor
// is recorded in the audit trail.
func (s *TwoFactorService) AdminForceDisable(ctx context.Context, actorID, userID string) error {
	_, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTwoFactorNotEnabled
	}
	if err != nil {
		return domain.Dependency("failed to load two-factor settings", err)
	}

	if err := s.removeConfiguration(ctx, userID); err != nil {
		return err
	}

	s.audit(ctx, AuditEvent{Action: "2fa.admin_force_disable", UserID: userID, ActorID: actorID, Success: true})
	return nil
}

// RegenerateBackupCodes replaces all backup codes after re-proving the
// configured factor. Old codes stop working immediately.
func (s *TwoFactorService) RegenerateBackupCodes(ctx context.Context, userID string, code string, meta domain.RequestMeta) ([]string, error) {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTwoFactorNotEnabled
	}
	if err != nil {
		return nil, domain.Dependency("failed to load two-factor settings", err)
	}
	if !settings.Enabled {
		return nil, ErrTwoFactorNotEnabled
	}

	if err := s.verify(ctx, settings, code, settings.Method.DefaultChannel(), meta); err != nil {
		s.audit(ctx, AuditEvent{Action: "2fa.regenerate_backup_codes", UserID: userID, Success: false, Detail: "verification failed"})
		return nil, err
	}

	codes, err := s.issueBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, AuditEvent{Action: "2fa.regenerate_backup_codes", UserID: userID, Success: true})
	return codes, nil
}

// RecentlyVerified reports whether the member completed a successful
// verification within window. Sensitive handlers use this to demand a
// fresh code instead of trusting an old session.
func (s *TwoFactorService) RecentlyVerified(ctx context.Context, userID string, window time.Duration) (bool, error) {
	settings, err := s.Store.TwoFactorSettings().Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.Dependency("failed to load two-factor settings", err)
	}
	if !settings.Enabled || settings.LastVerifiedAt == nil {
		return false, nil
	}
	return s.now().Sub(*settings.LastVerifiedAt) <= window, nil
}

// issueBackupCodes atomically replaces a member's backup codes and
// returns the plaintext set. Only fingerprints are persisted.
func (s *TwoFactorService) issueBackupCodes(ctx context.Context, userID string) ([]string, error) {
	codes, err := cryptox.BackupCodes(backupCodeCount)
	if err != nil {
		return nil, domain.Dependency("failed to generate backup codes", err)
	}

	now := s.now()
	expiresAt := now.Add(s.backupCodeTTL())

	err = s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete old backup codes: %w", err)
		}
		for _, code := range codes {
			bc := domain.BackupCode{
				ID:        idx.New().String(),
				UserID:    userID,
				CodeHash:  cryptox.FingerprintToken(code),
				ExpiresAt: expiresAt,
				CreatedAt: now,
			}
			if err := tx.BackupCodes().CreateBackupCode(ctx, bc); err != nil {
				return fmt.Errorf("failed to store backup code: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.Dependency("failed to replace backup codes", err)
	}

	return codes, nil
}

// removeConfiguration drops the settings row and every backup code in
// one transaction, returning the member to the not-configured state.
func (s *TwoFactorService) removeConfiguration(ctx context.Context, userID string) error {
	err := s.Store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.BackupCodes().DeleteAllBackupCodes(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}
		if err := tx.TwoFactorSettings().Delete(ctx, userID); err != nil {
			return fmt.Errorf("failed to delete two-factor settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Dependency("failed to remove two-factor configuration", err)
	}
	return nil
}

// maskPhone keeps the last two digits so a member can recognise their
// own number without the API leaking it.
func maskPhone(phone string) string {
	if len(phone) <= 2 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-2) + phone[len(phone)-2:]
}
