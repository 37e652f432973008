package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// transcribeHandler handles POST /transcribe.
// Fetch failures are reported per URL inside a 200 response, so one broken
// link does not void the rest of the batch.
func (s *Server) transcribeHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req TranscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 2. Validate required fields
	if len(req.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "urls field is required"})
		return
	}

	// 3. Ingest each source
	videos := s.orch.Transcribe(c.Request.Context(), req.URLs)

	// 4. Return response
	c.JSON(http.StatusOK, &TranscribeResponse{Videos: videos})
}
