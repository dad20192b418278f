package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// errorResponse is the uniform error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// abortWithError maps a taxonomy error to its HTTP status and writes
// the uniform error payload. Internal details never reach the caller;
// they are logged against the request id instead.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := util.HTTPStatus(err)
	message := publicMessage(status, err)

	if status >= 500 {
		s.logger.Error("request failed",
			observability.String("requestID", GetRequestID(c)),
			observability.String("path", c.Request.URL.Path),
			observability.Error(err))
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: message})
}

// publicMessage keeps internal causes out of externally visible
// errors while preserving upstream rejection context.
func publicMessage(status int, err error) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not found"
	case http.StatusInternalServerError:
		var cfgErr *util.ConfigError
		if errors.As(err, &cfgErr) {
			return "gateway misconfigured"
		}
		return "internal server error"
	default:
		return err.Error()
	}
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
