package sqlite

import (
	"context"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
)

type verificationAttemptsRepo struct {
	db dbtx
}

func (r *verificationAttemptsRepo) CreateVerificationAttempt(ctx context.Context, a domain.VerificationAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_attempts (id, user_id, channel, code_fingerprint, success, failure_reason, ip_address, user_agent, risk_score, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Channel, a.CodeFingerprint, a.Success, a.FailureReason,
		a.IPAddress, a.UserAgent, a.RiskScore, a.AttemptedAt.UTC(),
	)
	return err
}

func (r *verificationAttemptsRepo) ListRecentVerificationAttempts(ctx context.Context, userID string, limit int) ([]domain.VerificationAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, channel, code_fingerprint, success, failure_reason, ip_address, user_agent, risk_score, attempted_at
		FROM verification_attempts
		WHERE user_id = ?
		ORDER BY attempted_at DESC
		LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.VerificationAttempt
	for rows.Next() {
		var a domain.VerificationAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.Channel, &a.CodeFingerprint, &a.Success, &a.FailureReason,
			&a.IPAddress, &a.UserAgent, &a.RiskScore, &a.AttemptedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *verificationAttemptsRepo) DeleteVerificationAttemptsBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM verification_attempts WHERE attempted_at < ?`, cutoff.UTC())
	return err
}
