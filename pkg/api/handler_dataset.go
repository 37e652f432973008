package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// loadDatasetHandler handles POST /load-dataset. The body is optional; with
// no body the loader scans the configured dataset directory.
func (s *Server) loadDatasetHandler(c *gin.Context) {
	var req LoadDatasetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	summary, err := s.orch.LoadDataset(req.Name, req.Kind, req.Path)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// datasetInfoHandler handles GET /dataset-info.
func (s *Server) datasetInfoHandler(c *gin.Context) {
	summary, err := s.orch.DatasetSummary()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
