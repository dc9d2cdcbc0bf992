package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/pkg/models"
)

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrValidation), errors.Is(err, models.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, analysis.ErrIngestion):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
