package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenCacheCleaner/internal/storage"
	"github.com/KevinKickass/OpenCacheCleaner/internal/types"
)

// GET /api/v1/ignored
func (s *Server) listIgnored(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	apps, err := store.ListIgnoredApps(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("IGNORED_500", "Failed to list ignored apps", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ignored": apps})
}

// POST /api/v1/ignored
func (s *Server) addIgnored(c *gin.Context) {
	var req struct {
		Package string `json:"package" binding:"required"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("IGNORED_400", "Invalid request body", err.Error()))
		return
	}
	store, ok := s.store(c)
	if !ok {
		return
	}
	if err := store.AddIgnoredAppWithReason(c.Request.Context(), req.Package, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("IGNORED_500", "Failed to add ignored app", err.Error()))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"package": req.Package})
}

// DELETE /api/v1/ignored/:package
func (s *Server) removeIgnored(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	err := store.RemoveIgnoredApp(c.Request.Context(), c.Param("package"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("IGNORED_404", "Package is not ignored", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("IGNORED_500", "Failed to remove ignored app", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/package-lists
func (s *Server) listPackageLists(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	lists, err := store.ListPackageLists(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("LIST_500", "Failed to list package lists", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"lists": lists})
}

// GET /api/v1/package-lists/:name
func (s *Server) getPackageList(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	list, err := store.GetPackageList(c.Request.Context(), c.Param("name"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("LIST_404", "Package list not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("LIST_500", "Failed to load package list", err.Error()))
		return
	}
	c.JSON(http.StatusOK, list)
}

// PUT /api/v1/package-lists/:name
func (s *Server) savePackageList(c *gin.Context) {
	var req struct {
		Packages []string `json:"packages" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("LIST_400", "Invalid request body", err.Error()))
		return
	}
	store, ok := s.store(c)
	if !ok {
		return
	}
	name := c.Param("name")
	if err := store.SavePackageList(c.Request.Context(), name, req.Packages); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("LIST_500", "Failed to save package list", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "packages": len(req.Packages)})
}

// DELETE /api/v1/package-lists/:name
func (s *Server) deletePackageList(c *gin.Context) {
	store, ok := s.store(c)
	if !ok {
		return
	}
	err := store.DeletePackageList(c.Request.Context(), c.Param("name"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("LIST_404", "Package list not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("LIST_500", "Failed to delete package list", err.Error()))
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/package-lists/:name/apply
func (s *Server) applyPackageList(c *gin.Context) {
	missing, err := s.lm.RunController().ApplyPackageList(c.Request.Context(), c.Param("name"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("LIST_404", "Package list not found", nil))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("LIST_400", "Failed to apply package list", err.Error()))
		return
	}
	if missing == nil {
		missing = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "missing": missing})
}
