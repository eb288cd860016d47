package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wif-erp/wif-erp/internal/platform/httpx"
	"github.com/wif-erp/wif-erp/internal/shared"
)

// PermissionsHandler reports the finance permissions of the current actor.
type PermissionsHandler struct {
	rbac Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(shared.PermFinanceView)).Get("/", h.listPermissions)
}

type permissionsResponse struct {
	ActorID int64    `json:"actor_id"`
	Granted []string `json:"granted"`
	Scopes  []string `json:"scopes"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	granted := make([]string, 0, len(shared.FinanceScopes()))
	for _, scope := range shared.FinanceScopes() {
		if actor.Can(scope) {
			granted = append(granted, scope)
		}
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{ActorID: actor.ID, Granted: granted, Scopes: shared.FinanceScopes()})
}
