package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/treeline-ai/treeline/pkg/session"
)

// respondError maps session-layer errors to HTTP error responses.
func respondError(c *gin.Context, err error) {
	var validErr *session.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, session.ErrNoTranscripts):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No transcripts found."})
	case errors.Is(err, session.ErrNoDataset):
		c.JSON(http.StatusNotFound, gin.H{"error": "No dataset loaded."})
	default:
		// Unexpected error
		slog.Error("Unexpected session error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
