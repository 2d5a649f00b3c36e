package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

func writeError(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

// respondError maps service errors onto the JSON error envelope.
func respondError(c *gin.Context, err error) {
	var verr *webhook.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, ErrCodeInvalidInput, verr.Error(), gin.H{"field": verr.Field})
	case errors.Is(err, webhook.ErrInvalidState):
		writeError(c, http.StatusConflict, ErrCodeConflict, err.Error(), nil)
	case errors.Is(err, webhook.ErrNotFound):
		writeError(c, http.StatusNotFound, ErrCodeNotFound, "resource not found", nil)
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		writeError(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error", nil)
	}
}

func badRequest(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, ErrCodeInvalidInput, message, nil)
}

func notFound(c *gin.Context, what string) {
	writeError(c, http.StatusNotFound, ErrCodeNotFound, what+" not found", nil)
}
