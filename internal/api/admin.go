package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RestoreAccount handles POST /internal/accounts/{id}/restore, the manual
// Unhealthy -> Active transition from spec.md §4.4: it re-runs the Token
// Refresher for the named account and only flips status on a successful
// refresh (handled by Manager.RefreshAccount/Update).
func (h *Handler) RestoreAccount(c *gin.Context) {
	id := c.Param("id")
	account, err := h.Manager.RefreshAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, "openai", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": account.ID, "status": account.Status})
}

// Healthz handles GET /healthz: 200 once the pool has loaded (Manager always
// has loaded by the time the HTTP server is serving, since Build calls
// Manager.Load before constructing the server) and the scheduler is running.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
