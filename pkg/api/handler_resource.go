package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

// CreateResourceRequest is the body of POST /api/v1/resources.
type CreateResourceRequest struct {
	Kind      models.ResourceKind `json:"kind" binding:"required"`
	Namespace string              `json:"namespace"`
	Name      string              `json:"name" binding:"required"`
	Spec      json.RawMessage     `json:"spec" binding:"required"`
}

// createResourceHandler handles POST /api/v1/resources. The store
// enforces kind validity, live-identity uniqueness, and referential
// integrity (bot references, team membership).
func (s *Server) createResourceHandler(c *gin.Context) {
	var req CreateResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{ErrorCode: "VALIDATION", Message: err.Error()})
		return
	}
	if req.Namespace == "" {
		req.Namespace = identityFrom(c).Namespace
	}

	res := &models.Resource{
		Kind:      req.Kind,
		Namespace: req.Namespace,
		Name:      req.Name,
		Spec:      req.Spec,
	}
	if err := s.resources.Create(c.Request.Context(), res); err != nil {
		s.abortWithError(c, err)
		return
	}

	s.logger.Info("resource created", "kind", res.Kind, "namespace", res.Namespace, "name", res.Name)
	c.JSON(http.StatusCreated, res)
}

// listResourcesHandler handles GET /api/v1/resources/:kind.
func (s *Server) listResourcesHandler(c *gin.Context) {
	kind := models.ResourceKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{
			ErrorCode: "VALIDATION", Message: "unknown resource kind " + c.Param("kind")})
		return
	}

	resources, err := s.resources.List(c.Request.Context(), kind, c.Query("namespace"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resources": resources})
}

// getResourceHandler handles GET /api/v1/resources/:kind/:name.
func (s *Server) getResourceHandler(c *gin.Context) {
	kind := models.ResourceKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{
			ErrorCode: "VALIDATION", Message: "unknown resource kind " + c.Param("kind")})
		return
	}

	res, err := s.resources.Get(c.Request.Context(), kind, s.resourceNamespace(c), c.Param("name"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// deleteResourceHandler handles DELETE /api/v1/resources/:kind/:name
// (soft delete; the identity becomes reusable).
func (s *Server) deleteResourceHandler(c *gin.Context) {
	kind := models.ResourceKind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, errorResponse{
			ErrorCode: "VALIDATION", Message: "unknown resource kind " + c.Param("kind")})
		return
	}

	if err := s.resources.SoftDelete(c.Request.Context(), kind, s.resourceNamespace(c), c.Param("name")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// resourceNamespace resolves the namespace for resource reads: explicit
// query parameter first, then the caller's default.
func (s *Server) resourceNamespace(c *gin.Context) string {
	if ns := c.Query("namespace"); ns != "" {
		return ns
	}
	return identityFrom(c).Namespace
}
