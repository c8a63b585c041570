package http

import (
	"encoding/json"
	"net/http"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/service"
	"github.com/clubworks/assoc/pkg/httpx"
	"github.com/clubworks/assoc/pkg/slogx"
)

// TwoFactorHandler handles two-factor self-service for the
// authenticated member.
type TwoFactorHandler struct {
	TwoFactor *service.TwoFactorService
}

func userIDFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(httpx.CtxKeyUserID).(string)
	if !ok || userID == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or missing access token")
		return "", false
	}
	return userID, true
}

// HandleStatus handles GET /v1/2fa/status
//
//	@Summary		Two-factor status
//	@Description	Returns the member's two-factor state, method and remaining backup codes. Never exposes secrets.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	domain.StatusResponse	"Current posture"
//	@Failure		401	{object}	httpx.ErrorResponse		"Invalid or missing access token"
//	@Failure		500	{object}	httpx.ErrorResponse		"Internal server error"
//	@Router			/v1/2fa/status [get].
func (h *TwoFactorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	status, err := h.TwoFactor.Status(ctx, userID)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, status)
}

// HandleSetup handles POST /v1/2fa/setup
//
//	@Summary		Begin two-factor enrolment
//	@Description	Mints a TOTP secret (app method) or registers a delivery number (sms method). Nothing is enforced until the first code is confirmed.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		SetupRequest			true	"Method selection"
//	@Success		200		{object}	domain.SetupResponse	"Secret and otpauth URL for the app method"
//	@Failure		400		{object}	httpx.ErrorResponse		"Already enabled or bad method"
//	@Failure		401		{object}	httpx.ErrorResponse		"Invalid or missing access token"
//	@Failure		500		{object}	httpx.ErrorResponse		"Internal server error"
//	@Router			/v1/2fa/setup [post].
func (h *TwoFactorHandler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	resp, err := h.TwoFactor.Setup(ctx, userID, domain.Method(req.Method), req.PhoneNumber)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	// The secret appears in this response only.
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// HandleEnable handles POST /v1/2fa/enable
//
//	@Summary		Confirm enrolment and enable two-factor
//	@Description	Verifies the first code from the chosen factor, enables enforcement and returns single-use backup codes.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CodeRequest			true	"First verification code"
//	@Success		200		{object}	BackupCodesResponse	"Backup codes (shown once)"
//	@Failure		400		{object}	httpx.ErrorResponse	"Invalid code or not enrolled"
//	@Failure		401		{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		403		{object}	httpx.ErrorResponse	"Account locked"
//	@Failure		500		{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/2fa/enable [post].
func (h *TwoFactorHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	codes, err := h.TwoFactor.Enable(ctx, userID, req.Code, requestMeta(r))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, BackupCodesResponse{Codes: codes})
}

// HandleVerify handles POST /v1/2fa/verify
//
//	@Summary		Re-verify the second factor
//	@Description	Verifies a code for an already-enabled member, refreshing the recent-verification window used by sensitive operations.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CodeRequest			true	"Verification code and optional channel"
//	@Success		200		{object}	MessageResponse		"Verified"
//	@Failure		400		{object}	httpx.ErrorResponse	"Invalid code"
//	@Failure		401		{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		403		{object}	httpx.ErrorResponse	"Account locked"
//	@Failure		500		{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/2fa/verify [post].
func (h *TwoFactorHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := h.TwoFactor.Verify(ctx, userID, req.Code, domain.Channel(req.Channel), requestMeta(r)); err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, MessageResponse{Message: "verified"})
}

// HandleSendSms handles POST /v1/2fa/sms/send
//
//	@Summary		Send an SMS verification code
//	@Description	Dispatches a fresh code to the enrolled number. Subject to a resend cooldown and an hourly cap.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Produce		json
//	@Success		200	{object}	MessageResponse		"Code sent"
//	@Failure		400	{object}	httpx.ErrorResponse	"No phone number on file"
//	@Failure		401	{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		429	{object}	httpx.ErrorResponse	"Rate limited"
//	@Failure		500	{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/2fa/sms/send [post].
func (h *TwoFactorHandler) HandleSendSms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	if err := h.TwoFactor.SendSmsCode(ctx, userID, requestMeta(r)); err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, MessageResponse{Message: "code sent"})
}

// HandleRegenerateBackupCodes handles POST /v1/2fa/backup-codes
//
//	@Summary		Regenerate backup codes
//	@Description	Replaces all backup codes after re-verifying the configured factor. Old codes stop working immediately.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CodeRequest			true	"Current factor code"
//	@Success		200		{object}	BackupCodesResponse	"New backup codes (shown once)"
//	@Failure		400		{object}	httpx.ErrorResponse	"Invalid code or not enabled"
//	@Failure		401		{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		403		{object}	httpx.ErrorResponse	"Account locked"
//	@Failure		500		{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/2fa/backup-codes [post].
func (h *TwoFactorHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	codes, err := h.TwoFactor.RegenerateBackupCodes(ctx, userID, req.Code, requestMeta(r))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, BackupCodesResponse{Codes: codes})
}

// HandleDisable handles DELETE /v1/2fa
//
//	@Summary		Disable two-factor authentication
//	@Description	Turns enforcement off after re-verifying the configured factor. Backup codes are not accepted here.
//	@Tags			TwoFactor
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CodeRequest			true	"Current factor code"
//	@Success		200		{object}	MessageResponse		"Disabled"
//	@Failure		400		{object}	httpx.ErrorResponse	"Invalid code or not enabled"
//	@Failure		401		{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		403		{object}	httpx.ErrorResponse	"Account locked"
//	@Failure		500		{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/2fa [delete].
func (h *TwoFactorHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	var req CodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := h.TwoFactor.Disable(ctx, userID, req.Code, requestMeta(r)); err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, MessageResponse{Message: "two-factor disabled"})
}
