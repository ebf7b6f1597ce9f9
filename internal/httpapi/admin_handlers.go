package httpapi

import (
	"net/http"

	"oncopurpose.org/internal/audit"
	"oncopurpose.org/internal/auth"
)

type updatePrincipalRequest struct {
	Role             *string `json:"role"`
	SubscriptionTier *string `json:"subscription_tier"`
	Active           *bool   `json:"active"`
}

func (a *API) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	p, err := a.accounts.Profile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleUpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req updatePrincipalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	var upd auth.PrincipalUpdate
	if req.Role != nil {
		role, ok := auth.ParseRole(*req.Role)
		if !ok {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "unknown role")
			return
		}
		upd.Role = &role
	}
	if req.SubscriptionTier != nil {
		tier, ok := auth.ParseTier(*req.SubscriptionTier)
		if !ok {
			writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "unknown subscription tier")
			return
		}
		upd.Tier = &tier
	}
	upd.Active = req.Active

	actor, _ := auth.IdentityFromContext(r.Context())
	id := r.PathValue("id")
	p, err := a.accounts.UpdatePrincipal(r.Context(), actor, id, upd)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	fields := map[string]any{"target_id": id}
	if upd.Role != nil {
		fields["role"] = string(*upd.Role)
	}
	if upd.Tier != nil {
		fields["tier"] = string(*upd.Tier)
	}
	if upd.Active != nil {
		fields["active"] = *upd.Active
	}
	_ = audit.LogEvent(r.Context(), "admin.principal.update", fields)
	writeJSON(w, http.StatusOK, p)
}
