package store

import (
	"context"
	"errors"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the root data access interface. Concrete drivers (sqlite for
// now) implement this. It exposes sub-repositories to keep concerns tidy
// and testable, and to stop callers from accidentally nesting
// transactions.
type Store interface {
	Users() Users
	TwoFactorSettings() TwoFactorSettings
	BackupCodes() BackupCodes
	TempSessions() TempSessions
	VerificationAttempts() VerificationAttempts

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// The caller MUST call Commit() or Rollback() on the returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. This is the
	// recommended way to handle multi-step atomic operations.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the database connection is still alive.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds
// Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Users interface {
	// GetUserByID returns a user by id.
	GetUserByID(ctx context.Context, id string) (domain.User, error)

	// GetUserByUsername is used during login.
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)

	// CreateUser inserts a new user (id is provided by app via ULID).
	CreateUser(ctx context.Context, u domain.User) error

	// UpdatePhoneNumber sets the member's phone number and bumps updated_at.
	UpdatePhoneNumber(ctx context.Context, userID string, phone string) error

	// UpdatePasswordHash sets the password_hash (argon2) and bumps updated_at.
	UpdatePasswordHash(ctx context.Context, userID string, newHash string) error

	// DeleteUser cascades to all two-factor tables (per schema).
	DeleteUser(ctx context.Context, userID string) error

	// IsEmpty returns true if there are no users.
	IsEmpty(ctx context.Context) (bool, error)
}

type TwoFactorSettings interface {
	// Get returns the settings row for a user, or ErrNotFound when the
	// member has never begun enrolment.
	Get(ctx context.Context, userID string) (domain.TwoFactorSettings, error)

	// Upsert writes the pending-setup row during enrolment, replacing any
	// previous un-enabled configuration.
	Upsert(ctx context.Context, s domain.TwoFactorSettings) error

	// Enable flips enabled=1, clears lockout counters and stamps
	// last_verified_at. Fails with ErrNotFound if no row exists.
	Enable(ctx context.Context, userID string, at time.Time) error

	// Delete removes the row entirely (disable / admin force-disable).
	Delete(ctx context.Context, userID string) error

	// RegisterFailure atomically increments failed_attempts and engages a
	// lockout if the incremented value reaches threshold. It returns the
	// post-increment count and the lockout expiry (nil when not locked).
	// Concurrent callers each observe a distinct count.
	RegisterFailure(ctx context.Context, userID string, threshold int, lockedUntil time.Time) (int, *time.Time, error)

	// RegisterSuccess resets failed_attempts, clears any lockout and
	// stamps last_verified_at.
	RegisterSuccess(ctx context.Context, userID string, at time.Time) error

	// RecordSmsDispatch bumps the SMS send counter, starting a new window
	// at windowReset when the previous one has lapsed. Returns the count
	// within the current window after the bump.
	RecordSmsDispatch(ctx context.Context, userID string, sentAt, windowReset time.Time) (int, error)
}

type BackupCodes interface {
	// CreateBackupCode stores one backup code fingerprint for a user.
	CreateBackupCode(ctx context.Context, c domain.BackupCode) error

	// ListActiveBackupCodes returns unused, unexpired codes for a user.
	ListActiveBackupCodes(ctx context.Context, userID string, now time.Time) ([]domain.BackupCode, error)

	// ConsumeBackupCode marks a code used, recording when and by whom.
	// Returns false if the code was already used (lost race or replay).
	ConsumeBackupCode(ctx context.Context, id string, at time.Time, ip, userAgent string) (bool, error)

	// CountActiveBackupCodes returns how many codes remain redeemable.
	CountActiveBackupCodes(ctx context.Context, userID string, now time.Time) (int, error)

	// DeleteAllBackupCodes removes every code for a user (regeneration,
	// disable).
	DeleteAllBackupCodes(ctx context.Context, userID string) error

	// DeleteExpiredBackupCodes is housekeeping.
	DeleteExpiredBackupCodes(ctx context.Context, now time.Time) error
}

type TempSessions interface {
	// CreateTempSession stores a new challenge session.
	CreateTempSession(ctx context.Context, s domain.TempSession) error

	// GetTempSessionByTokenHash returns a session by the fingerprint of
	// its opaque token, expired or not; callers decide usability.
	GetTempSessionByTokenHash(ctx context.Context, hash string) (domain.TempSession, error)

	// GetLatestActiveTempSession returns the most recent uncompleted,
	// unexpired session for a user and method.
	GetLatestActiveTempSession(ctx context.Context, userID string, method domain.Method, now time.Time) (domain.TempSession, error)

	// IncrementTempSessionAttempts bumps the failed attempt counter and
	// returns the new count. Concurrent callers each observe a distinct
	// count.
	IncrementTempSessionAttempts(ctx context.Context, id string) (int, error)

	// UpdateTempSessionData rewrites the serialised login data (e.g. to
	// attach an SMS code fingerprint after dispatch).
	UpdateTempSessionData(ctx context.Context, id string, data domain.LoginData) error

	// CompleteTempSession marks the session consumed. Idempotent; the
	// first verified_at stamp wins.
	CompleteTempSession(ctx context.Context, id string, at time.Time) error

	// DeleteStaleTempSessions removes expired and completed sessions
	// (housekeeping).
	DeleteStaleTempSessions(ctx context.Context, now time.Time) error
}

type VerificationAttempts interface {
	// CreateVerificationAttempt appends one audit row.
	CreateVerificationAttempt(ctx context.Context, a domain.VerificationAttempt) error

	// ListRecentVerificationAttempts returns the newest attempts for a
	// user, newest first.
	ListRecentVerificationAttempts(ctx context.Context, userID string, limit int) ([]domain.VerificationAttempt, error)

	// DeleteVerificationAttemptsBefore prunes audit rows older than
	// cutoff (housekeeping).
	DeleteVerificationAttemptsBefore(ctx context.Context, cutoff time.Time) error
}
