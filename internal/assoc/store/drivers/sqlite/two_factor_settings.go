package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/store"
)

type twoFactorSettingsRepo struct {
	db dbtx
}

const settingsColumns = `user_id, method, encrypted_secret, phone_number, enabled, failed_attempts,
	locked_until, last_verified_at, sms_last_sent_at, sms_send_count, sms_window_reset, created_at, updated_at`

func (r *twoFactorSettingsRepo) Get(ctx context.Context, userID string) (domain.TwoFactorSettings, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM two_factor_settings WHERE user_id = ?`, userID)

	var (
		s           domain.TwoFactorSettings
		phone       sql.NullString
		lockedUntil sql.NullTime
		lastVerify  sql.NullTime
		smsLastSent sql.NullTime
		smsWindow   sql.NullTime
	)
	err := row.Scan(
		&s.UserID, &s.Method, &s.EncryptedSecret, &phone, &s.Enabled, &s.FailedAttempts,
		&lockedUntil, &lastVerify, &smsLastSent, &s.SmsSendCount, &smsWindow, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return domain.TwoFactorSettings{}, mapNotFound(err)
	}

	s.PhoneNumber = mapNullStringPtr(phone)
	s.LockedUntil = mapNullTimePtr(lockedUntil)
	s.LastVerifiedAt = mapNullTimePtr(lastVerify)
	s.SmsLastSentAt = mapNullTimePtr(smsLastSent)
	s.SmsWindowReset = mapNullTimePtr(smsWindow)
	return s, nil
}

// Upsert replaces any previous un-enabled configuration. Re-running setup
// resets counters so a stale lockout never outlives its secret.
func (r *twoFactorSettingsRepo) Upsert(ctx context.Context, s domain.TwoFactorSettings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO two_factor_settings (user_id, method, encrypted_secret, phone_number, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			method = excluded.method,
			encrypted_secret = excluded.encrypted_secret,
			phone_number = excluded.phone_number,
			enabled = 0,
			failed_attempts = 0,
			locked_until = NULL,
			updated_at = excluded.updated_at`,
		s.UserID, s.Method, s.EncryptedSecret, mapOptionalString(s.PhoneNumber),
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(),
	)
	return err
}

func (r *twoFactorSettingsRepo) Enable(ctx context.Context, userID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE two_factor_settings
		SET enabled = 1, failed_attempts = 0, locked_until = NULL, last_verified_at = ?, updated_at = ?
		WHERE user_id = ?`,
		at.UTC(), at.UTC(), userID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *twoFactorSettingsRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_settings WHERE user_id = ?`, userID)
	return err
}

// RegisterFailure is a single conditional UPDATE so concurrent failures
// each observe a distinct post-increment count and exactly one of them
// engages the lockout.
func (r *twoFactorSettingsRepo) RegisterFailure(ctx context.Context, userID string, threshold int, lockedUntil time.Time) (int, *time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE two_factor_settings
		SET failed_attempts = failed_attempts + 1,
			locked_until = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE locked_until END,
			updated_at = ?
		WHERE user_id = ?
		RETURNING failed_attempts, locked_until`,
		threshold, lockedUntil.UTC(), lockedUntil.UTC(), userID,
	)

	var (
		attempts int
		locked   sql.NullTime
	)
	if err := row.Scan(&attempts, &locked); err != nil {
		return 0, nil, mapNotFound(err)
	}
	return attempts, mapNullTimePtr(locked), nil
}

func (r *twoFactorSettingsRepo) RegisterSuccess(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE two_factor_settings
		SET failed_attempts = 0, locked_until = NULL, last_verified_at = ?, updated_at = ?
		WHERE user_id = ?`,
		at.UTC(), at.UTC(), userID,
	)
	return err
}

// RecordSmsDispatch rolls the send window over in the same statement that
// bumps the counter, so concurrent sends cannot double-reset it.
func (r *twoFactorSettingsRepo) RecordSmsDispatch(ctx context.Context, userID string, sentAt, windowReset time.Time) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE two_factor_settings
		SET sms_send_count = CASE WHEN sms_window_reset IS NULL OR sms_window_reset <= ? THEN 1 ELSE sms_send_count + 1 END,
			sms_window_reset = CASE WHEN sms_window_reset IS NULL OR sms_window_reset <= ? THEN ? ELSE sms_window_reset END,
			sms_last_sent_at = ?,
			updated_at = ?
		WHERE user_id = ?
		RETURNING sms_send_count`,
		sentAt.UTC(), sentAt.UTC(), windowReset.UTC(), sentAt.UTC(), sentAt.UTC(), userID,
	)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, mapNotFound(err)
	}
	return count, nil
}
