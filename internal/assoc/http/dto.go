package http

// LoginRequest is the password step of authentication.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CompleteTwoFactorRequest redeems a login challenge with a code.
type CompleteTwoFactorRequest struct {
	TempToken string `json:"temp_token"`
	Code      string `json:"code"`
	Channel   string `json:"channel,omitempty"` // totp, sms or backup; empty means the configured default
}

// SetupRequest begins two-factor enrolment.
type SetupRequest struct {
	Method      string `json:"method"`                 // app or sms
	PhoneNumber string `json:"phone_number,omitempty"` // required for sms when no number is on file
}

// CodeRequest carries a single verification code.
type CodeRequest struct {
	Code    string `json:"code"`
	Channel string `json:"channel,omitempty"`
}

// BackupCodesResponse returns freshly issued recovery codes. They are
// shown exactly once.
type BackupCodesResponse struct {
	Codes []string `json:"backup_codes"`
}

// MessageResponse is a plain confirmation payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse reports service health for the probe endpoints.
type HealthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Checks  *HealthChecks `json:"checks,omitempty"`
}

// HealthChecks details per-dependency readiness.
type HealthChecks struct {
	Database string `json:"database"`
	Signer   string `json:"signer"`
}
