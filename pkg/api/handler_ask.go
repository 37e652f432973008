package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// askHandler handles POST /ask, the synchronous fallback to the WebSocket
// flow. It blocks for the whole tree search and replies once with the final
// answer; clients that want per-iteration progress use /ws instead.
func (s *Server) askHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 2. Run the search; disconnects cancel it through the request context
	outcome, err := s.orch.Ask(c.Request.Context(), req.Question, req.VideoIDs, req.MaxIterations)
	if err != nil {
		respondError(c, err)
		return
	}

	// 3. Return response
	c.JSON(http.StatusOK, &AskResponse{
		Answer:     outcome.Answer,
		Confidence: outcome.Confidence,
		Tree:       outcome.Tree,
	})
}
