package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
)

type backupCodesRepo struct {
	db dbtx
}

func (r *backupCodesRepo) CreateBackupCode(ctx context.Context, c domain.BackupCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backup_codes (id, user_id, code_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.CodeHash, c.ExpiresAt.UTC(), c.CreatedAt.UTC(),
	)
	return err
}

func (r *backupCodesRepo) ListActiveBackupCodes(ctx context.Context, userID string, now time.Time) ([]domain.BackupCode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, code_hash, is_used, used_at, used_ip, used_user_agent, expires_at, created_at
		FROM backup_codes
		WHERE user_id = ? AND is_used = 0 AND expires_at > ?`,
		userID, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []domain.BackupCode
	for rows.Next() {
		var (
			c      domain.BackupCode
			usedAt sql.NullTime
			ip     sql.NullString
			ua     sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.CodeHash, &c.Used, &usedAt, &ip, &ua, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.UsedAt = mapNullTimePtr(usedAt)
		c.UsedIP = ip.String
		c.UsedUserAgent = ua.String
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// ConsumeBackupCode only flips rows still marked unused, so two racing
// submissions of the same code produce exactly one winner.
func (r *backupCodesRepo) ConsumeBackupCode(ctx context.Context, id string, at time.Time, ip, userAgent string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE backup_codes
		SET is_used = 1, used_at = ?, used_ip = ?, used_user_agent = ?
		WHERE id = ? AND is_used = 0`,
		at.UTC(), ip, userAgent, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *backupCodesRepo) CountActiveBackupCodes(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backup_codes
		WHERE user_id = ? AND is_used = 0 AND expires_at > ?`,
		userID, now.UTC(),
	).Scan(&n)
	return n, err
}

func (r *backupCodesRepo) DeleteAllBackupCodes(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE user_id = ?`, userID)
	return err
}

func (r *backupCodesRepo) DeleteExpiredBackupCodes(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM backup_codes WHERE expires_at <= ?`, now.UTC())
	return err
}
