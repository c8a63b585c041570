package domain

import "time"

// Method is the second factor a member has chosen.
type Method string

const (
	MethodApp Method = "app" // authenticator app (TOTP)
	MethodSms Method = "sms" // one-time code delivered by SMS
)

// Channel identifies how a verification code was submitted. A member
// configured for the app method may still verify with a backup code.
type Channel string

const (
	ChannelTotp   Channel = "totp"
	ChannelSms    Channel = "sms"
	ChannelBackup Channel = "backup"
)

// DefaultChannel returns the verification channel implied by a method.
func (m Method) DefaultChannel() Channel {
	if m == MethodSms {
		return ChannelSms
	}
	return ChannelTotp
}

// State is the lifecycle position of a member's two-factor configuration.
type State string

const (
	StateNotConfigured State = "not_configured"
	StatePendingSetup  State = "pending_setup" // secret issued, first code not yet confirmed
	StateEnabled       State = "enabled"
)

// TwoFactorSettings is the per-member configuration row. The TOTP secret
// is stored encrypted and never leaves the service layer in plaintext.
type TwoFactorSettings struct {
	UserID          string
	Method          Method
	EncryptedSecret []byte // AES-GCM blob, set for every enrolled method
	PhoneNumber     *string
	Enabled         bool
	FailedAttempts  int
	LockedUntil     *time.Time
	LastVerifiedAt  *time.Time
	SmsLastSentAt   *time.Time
	SmsSendCount    int        // sends within the current window
	SmsWindowReset  *time.Time // when the send window rolls over
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// State derives the lifecycle state from the row contents.
func (s TwoFactorSettings) State() State {
	if s.Enabled {
		return StateEnabled
	}
	return StatePendingSetup
}

// Locked reports whether the account is under a verification lockout at now.
func (s TwoFactorSettings) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// BackupCode is a single-use recovery code. Only the SHA-256 fingerprint
// of the code is persisted.
type BackupCode struct {
	ID            string
	UserID        string
	CodeHash      string
	Used          bool
	UsedAt        *time.Time
	UsedIP        string
	UsedUserAgent string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Active reports whether the code can still be redeemed at now.
func (c BackupCode) Active(now time.Time) bool {
	return !c.Used && now.Before(c.ExpiresAt)
}

// LoginData carries request context captured when a challenge session is
// created. It is serialised as JSON inside the temp_sessions row.
type LoginData struct {
	Username    string `json:"username,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	SmsCodeHash string `json:"sms_code_hash,omitempty"` // fingerprint of the pending SMS code
	SmsSentAt   string `json:"sms_sent_at,omitempty"`   // RFC3339
}

// TempSession is a short-lived challenge created between password
// verification and second-factor verification. Only the fingerprint of
// the opaque session token is persisted.
type TempSession struct {
	ID          string
	UserID      string
	TokenHash   string
	Method      Method
	Data        LoginData
	Attempts    int
	MaxAttempts int
	Completed   bool
	VerifiedAt  *time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Usable reports whether the session can still accept a verification
// attempt at now.
func (s TempSession) Usable(now time.Time) bool {
	return !s.Completed && now.Before(s.ExpiresAt) && s.Attempts < s.MaxAttempts
}

// VerificationAttempt is one audit row per code submission, successful or
// not. Codes are never stored; only their SHA-256 fingerprint is kept.
type VerificationAttempt struct {
	ID              string
	UserID          string
	Channel         Channel
	CodeFingerprint string
	Success         bool
	FailureReason   string
	IPAddress       string
	UserAgent       string
	RiskScore       int // 0-100 heuristic
	AttemptedAt     time.Time
}

// RequestMeta is the caller context threaded through verification paths
// for audit stamping.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// SetupResponse is returned when a member begins enrolment. The secret is
// only ever exposed here, before the first code confirms possession.
type SetupResponse struct {
	Method     Method `json:"method"`
	Secret     string `json:"secret,omitempty"`      // base32, app method only
	OtpauthURL string `json:"otpauth_url,omitempty"` // for QR rendering, app method only
}

// StatusResponse summarises a member's two-factor posture without leaking
// secret material.
type StatusResponse struct {
	State           State      `json:"state"`
	Method          Method     `json:"method,omitempty"`
	PhoneNumber     string     `json:"phone_number,omitempty"` // masked
	LastVerifiedAt  *time.Time `json:"last_verified_at,omitempty"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	BackupCodesLeft int        `json:"backup_codes_left"`
	FailedAttempts  int        `json:"failed_attempts"`
}

// ChallengeResponse is returned from login when a second factor is
// required before an access token can be issued.
type ChallengeResponse struct {
	TwoFactorRequired bool   `json:"two_factor_required"` // always true
	TempToken         string `json:"temp_token"`
	Method            Method `json:"method"`
	ExpiresIn         int    `json:"expires_in"` // seconds
}
