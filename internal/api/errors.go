package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/validate"
)

// statusFor maps an operation error to its HTTP status.
func statusFor(err error) int {
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, approval.ErrExpired):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var ve *validate.ValidationError
	if errors.As(err, &ve) {
		body["validation_error"] = ve
	}
	c.JSON(statusFor(err), body)
}
