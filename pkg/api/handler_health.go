package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/treeline-ai/treeline/pkg/version"
)

// healthHandler handles GET /healthz.
// Returns a minimal, safe response suitable for unauthenticated access. The
// process has no backing services to probe; serving the request is the
// check.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, &HealthResponse{
		Status:  "ok",
		Version: version.GitCommit,
	})
}
