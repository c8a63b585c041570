package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
)

type tempSessionsRepo struct {
	db dbtx
}

const tempSessionColumns = `id, user_id, token_hash, method, login_data, attempts, max_attempts,
	is_completed, verified_at, created_at, expires_at`

func (r *tempSessionsRepo) CreateTempSession(ctx context.Context, s domain.TempSession) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("failed to encode login data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO temp_sessions (id, user_id, token_hash, method, login_data, attempts, max_attempts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.TokenHash, s.Method, string(data), s.Attempts, s.MaxAttempts,
		s.CreatedAt.UTC(), s.ExpiresAt.UTC(),
	)
	return err
}

func scanTempSession(scan func(dest ...any) error) (domain.TempSession, error) {
	var (
		s          domain.TempSession
		data       string
		verifiedAt sql.NullTime
	)
	err := scan(&s.ID, &s.UserID, &s.TokenHash, &s.Method, &data, &s.Attempts, &s.MaxAttempts,
		&s.Completed, &verifiedAt, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return domain.TempSession{}, mapNotFound(err)
	}
	if err := json.Unmarshal([]byte(data), &s.Data); err != nil {
		return domain.TempSession{}, fmt.Errorf("failed to decode login data: %w", err)
	}
	s.VerifiedAt = mapNullTimePtr(verifiedAt)
	return s, nil
}

func (r *tempSessionsRepo) GetTempSessionByTokenHash(ctx context.Context, hash string) (domain.TempSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tempSessionColumns+` FROM temp_sessions WHERE token_hash = ?`, hash)
	return scanTempSession(row.Scan)
}

func (r *tempSessionsRepo) GetLatestActiveTempSession(ctx context.Context, userID string, method domain.Method, now time.Time) (domain.TempSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tempSessionColumns+` FROM temp_sessions
		WHERE user_id = ? AND method = ? AND is_completed = 0 AND attempts < max_attempts AND expires_at > ?
		ORDER BY created_at DESC
		LIMIT 1`,
		userID, method, now.UTC(),
	)
	return scanTempSession(row.Scan)
}

func (r *tempSessionsRepo) IncrementTempSessionAttempts(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE temp_sessions SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id)

	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, mapNotFound(err)
	}
	return attempts, nil
}

func (r *tempSessionsRepo) UpdateTempSessionData(ctx context.Context, id string, data domain.LoginData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode login data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `UPDATE temp_sessions SET login_data = ? WHERE id = ?`, string(encoded), id)
	return err
}

// CompleteTempSession is idempotent; the first verified_at stamp wins.
func (r *tempSessionsRepo) CompleteTempSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE temp_sessions
		SET is_completed = 1, verified_at = COALESCE(verified_at, ?)
		WHERE id = ?`,
		at.UTC(), id,
	)
	return err
}

func (r *tempSessionsRepo) DeleteStaleTempSessions(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM temp_sessions WHERE expires_at <= ? OR is_completed = 1`, now.UTC())
	return err
}
