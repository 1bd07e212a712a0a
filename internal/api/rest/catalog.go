package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

// GET /api/v1/catalog
// With ?ordered=true the catalog is re-sorted and filtered with the
// configured filter first.
func (s *Server) listCatalog(c *gin.Context) {
	catalog := s.lm.RunController().Catalog()
	if catalog == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("CATALOG_503", "No package catalog", nil))
		return
	}

	if c.Query("ordered") != "true" {
		c.JSON(http.StatusOK, gin.H{"packages": catalog.Items()})
		return
	}

	var ignored map[string]bool
	if store := s.lm.Storage(); store != nil {
		set, err := store.IgnoredSet(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, types.NewErrorResponse("CATALOG_500", "Failed to load ignored apps", err.Error()))
			return
		}
		ignored = set
	}
	cfg := s.cfg.CacheClean.RunConfig()
	c.JSON(http.StatusOK, gin.H{"packages": catalog.Order(cfg.Filter, ignored)})
}

// POST /api/v1/catalog/refresh
func (s *Server) refreshCatalog(c *gin.Context) {
	locale := c.DefaultQuery("locale", s.cfg.CacheClean.Locale)
	n, err := s.lm.RunController().RefreshCatalog(c.Request.Context(), locale)
	if err != nil {
		s.logger.Error("Catalog refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("CATALOG_502", "Failed to read packages from device", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"packages": n})
}

// POST /api/v1/catalog/check
func (s *Server) checkCatalog(c *gin.Context) {
	var req struct {
		Package string `json:"package" binding:"required"`
		Checked bool   `json:"checked"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CATALOG_400", "Invalid request body", err.Error()))
		return
	}
	catalog := s.lm.RunController().Catalog()
	if catalog == nil || !catalog.SetChecked(req.Package, req.Checked) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("CATALOG_404", "Package not in catalog", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"package": req.Package, "checked": req.Checked})
}
