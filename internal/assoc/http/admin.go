package http

import (
	"net/http"

	"github.com/clubworks/assoc/internal/assoc/service"
	"github.com/clubworks/assoc/internal/assoc/store"
	"github.com/clubworks/assoc/pkg/httpx"
	"github.com/clubworks/assoc/pkg/slogx"
)

// AdminHandler handles administrative two-factor operations.
type AdminHandler struct {
	TwoFactor *service.TwoFactorService
	Store     store.Store
}

// HandleForceDisable handles POST /v1/admin/users/{id}/2fa/force-disable
//
//	@Summary		Force-disable a member's two-factor
//	@Description	Removes a member's two-factor configuration without a code, for lockout recovery. Requires an admin with a fresh verification of their own second factor.
//	@Tags			Admin
//	@Security		BearerAuth
//	@Produce		json
//	@Param			id	path		string				true	"Member user ID"
//	@Success		200	{object}	MessageResponse		"Disabled"
//	@Failure		400	{object}	httpx.ErrorResponse	"Member has no two-factor configuration"
//	@Failure		401	{object}	httpx.ErrorResponse	"Invalid or missing access token"
//	@Failure		403	{object}	httpx.ErrorResponse	"Not an admin, or verification too stale"
//	@Failure		500	{object}	httpx.ErrorResponse	"Internal server error"
//	@Router			/v1/admin/users/{id}/2fa/force-disable [post].
func (h *AdminHandler) HandleForceDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	actorID, ok := userIDFromContext(w, r)
	if !ok {
		return
	}

	actor, err := h.Store.Users().GetUserByID(ctx, actorID)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	if !actor.IsAdmin {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "Administrator access required")
		return
	}

	// Admin actions demand a fresher verification than member
	// self-service.
	fresh, err := h.TwoFactor.RecentlyVerified(ctx, actorID, service.AdminReverifyWindow)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	if !fresh {
		httpx.WriteError(w, http.StatusForbidden, "reverification_required", "Verify your second factor again before administrative actions")
		return
	}

	targetID := r.PathValue("id")
	if targetID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "Missing user id")
		return
	}

	if err := h.TwoFactor.AdminForceDisable(ctx, actorID, targetID); err != nil {
		writeServiceError(w, log, err)
		return
	}

	log.Info("two-factor force-disabled", "target_user_id", targetID, "actor_id", actorID)
	httpx.WriteJSON(w, http.StatusOK, MessageResponse{Message: "two-factor disabled"})
}
