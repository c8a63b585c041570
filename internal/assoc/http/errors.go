package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/service"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/httpx"
)

// writeServiceError maps service and domain errors onto the JSON error
// envelope. Unrecognised errors become an opaque 500.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	var secErr *domain.SecurityError
	if errors.As(err, &secErr) {
		writeSecurityError(w, secErr)
		return
	}

	switch {
	case errors.Is(err, service.ErrTwoFactorAlreadyEnabled):
		httpx.WriteError(w, http.StatusBadRequest, "already_enabled", "Two-factor authentication is already enabled")
	case errors.Is(err, service.ErrTwoFactorNotEnabled):
		httpx.WriteError(w, http.StatusBadRequest, "not_enabled", "Two-factor authentication is not enabled")
	case errors.Is(err, service.ErrTwoFactorNotEnrolled):
		httpx.WriteError(w, http.StatusBadRequest, "not_enrolled", "Two-factor enrolment has not been started")
	case errors.Is(err, service.ErrPhoneNumberRequired):
		httpx.WriteError(w, http.StatusBadRequest, "phone_required", "A phone number is required for the sms method")
	case errors.Is(err, service.ErrUnknownMethod), errors.Is(err, service.ErrUnknownChannel):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Unknown two-factor method")
	case errors.Is(err, service.ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
	case errors.Is(err, store.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "No such user")
	default:
		log.Error("request failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "Internal server error")
	}
}

func writeSecurityError(w http.ResponseWriter, secErr *domain.SecurityError) {
	resp := httpx.ErrorResponse{Error: string(secErr.Reason)}
	if secErr.RetryAfter > 0 {
		resp.RetryAfterMinutes = int((secErr.RetryAfter + time.Minute - 1) / time.Minute)
		w.Header().Set("Retry-After", retryAfterSeconds(secErr.RetryAfter))
	}

	status := http.StatusBadRequest
	switch secErr.Reason {
	case domain.ReasonInvalidCode:
		resp.Description = "The verification code is incorrect"
	case domain.ReasonAccountLocked:
		status = http.StatusForbidden
		resp.Description = "Too many failed attempts, try again later"
	case domain.ReasonSessionInvalid:
		status = http.StatusUnauthorized
		resp.Description = "The challenge session is no longer valid, log in again"
	case domain.ReasonSmsRateLimited:
		status = http.StatusTooManyRequests
		resp.Description = "Too many codes requested, try again later"
	}

	httpx.WriteJSON(w, status, resp)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
