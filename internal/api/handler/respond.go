package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yuelin/studydesk/internal/domain"
)

// respondError maps the domain error taxonomy onto HTTP statuses. LLM errors
// surface the fixed user-facing sentence, never the raw cause.
func respondError(c *gin.Context, err error) {
	var llmErr *domain.LlmError
	switch {
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCancelled):
		c.JSON(499, gin.H{"error": "request cancelled"})
	case errors.As(err, &llmErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": llmErr.Message})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
