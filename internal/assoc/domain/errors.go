package domain

import (
	"fmt"
	"time"
)

// SecurityReason classifies a verification refusal for API consumers
// without exposing which internal check tripped.
type SecurityReason string

const (
	ReasonInvalidCode    SecurityReason = "invalid_code"
	ReasonAccountLocked  SecurityReason = "account_locked"
	ReasonSessionInvalid SecurityReason = "session_invalid"
	ReasonSmsRateLimited SecurityReason = "sms_rate_limited"
)

// SecurityError is a deliberate refusal of a verification attempt. The
// message is intentionally generic; the reason code is what callers
// should branch on. RetryAfter is non-zero only for time-bound refusals
// (lockouts, SMS cooldowns).
type SecurityError struct {
	Reason     SecurityReason
	RetryAfter time.Duration
}

func (e *SecurityError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("verification refused: %s (retry after %s)", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("verification refused: %s", e.Reason)
}

// Is lets errors.Is match a SecurityError against a reason sentinel,
// e.g. errors.Is(err, domain.ErrInvalidCode), ignoring RetryAfter.
func (e *SecurityError) Is(target error) bool {
	t, ok := target.(*SecurityError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Reason sentinels for errors.Is matching. Time-bound refusals are built
// with the constructors below so RetryAfter reaches the caller.
var (
	ErrInvalidCode    = &SecurityError{Reason: ReasonInvalidCode}
	ErrAccountLocked  = &SecurityError{Reason: ReasonAccountLocked}
	ErrSessionInvalid = &SecurityError{Reason: ReasonSessionInvalid}
	ErrSmsRateLimited = &SecurityError{Reason: ReasonSmsRateLimited}
)

func LockedError(retryAfter time.Duration) *SecurityError {
	return &SecurityError{Reason: ReasonAccountLocked, RetryAfter: retryAfter}
}

func SmsRateLimitedError(retryAfter time.Duration) *SecurityError {
	return &SecurityError{Reason: ReasonSmsRateLimited, RetryAfter: retryAfter}
}

// DependencyError wraps an infrastructure failure (database, SMS
// gateway, cipher) so the HTTP layer can map it to a 5xx without
// inspecting driver errors.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Dependency wraps err as a DependencyError, or returns nil if err is nil.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Op: op, Err: err}
}
