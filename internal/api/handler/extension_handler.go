package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListExtensions handles GET /api/v1/extensions
// Returns the registered extensions as [{uid, name}] sorted by uid
func (h *ExtensionHandler) ListExtensions(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}
