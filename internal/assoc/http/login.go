package http

import (
	"encoding/json"
	"net/http"

	"github.com/clubworks/assoc/internal/assoc/domain"
	"github.com/clubworks/assoc/internal/assoc/service"
	"github.com/clubworks/assoc/pkg/httpx"
	"github.com/clubworks/assoc/pkg/slogx"
)

// LoginHandler handles the password step and the two-factor completion
// step of authentication.
type LoginHandler struct {
	LoginService *service.LoginService
}

// HandleLogin handles POST /v1/auth/login
//
//	@Summary		Log in with username and password
//	@Description	Verifies the password. Members with two-factor enabled receive a challenge instead of a token.
//	@Tags			Auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		LoginRequest			true	"Credentials"
//	@Success		200		{object}	service.LoginResult		"Access token or two-factor challenge"
//	@Failure		400		{object}	httpx.ErrorResponse		"Malformed request"
//	@Failure		401		{object}	httpx.ErrorResponse		"Invalid credentials"
//	@Failure		500		{object}	httpx.ErrorResponse		"Internal server error"
//	@Router			/v1/auth/login [post].
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	result, err := h.LoginService.Login(ctx, req.Username, req.Password, requestMeta(r))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, result)
}

// HandleComplete handles POST /v1/auth/2fa/complete
//
//	@Summary		Complete a two-factor challenge
//	@Description	Redeems the temp token from login together with a verification code and issues the access token.
//	@Tags			Auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		CompleteTwoFactorRequest	true	"Challenge token and code"
//	@Success		200		{object}	service.LoginResult			"Access token"
//	@Failure		400		{object}	httpx.ErrorResponse			"Invalid code"
//	@Failure		401		{object}	httpx.ErrorResponse			"Challenge expired or spent"
//	@Failure		403		{object}	httpx.ErrorResponse			"Account locked"
//	@Failure		500		{object}	httpx.ErrorResponse			"Internal server error"
//	@Router			/v1/auth/2fa/complete [post].
func (h *LoginHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req CompleteTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.TempToken == "" || req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "temp_token and code are required")
		return
	}

	result, err := h.LoginService.CompleteTwoFactor(ctx, req.TempToken, req.Code, domain.Channel(req.Channel), requestMeta(r))
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, result)
}
