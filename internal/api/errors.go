package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quipucords/quipucords/internal/model"
	"github.com/quipucords/quipucords/internal/source"
	"github.com/quipucords/quipucords/internal/source/webclient"
	"github.com/quipucords/quipucords/internal/store"
)

// statusOf maps err to the HTTP status of its kind.
func statusOf(err error) int {
	var verr *model.ValidationError
	var sf *source.ScanFailureError
	var se *webclient.StatusError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, store.ErrInUse):
		return http.StatusBadRequest
	case errors.As(err, &sf), errors.As(err, &se):
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// abort writes err as the response. Validation errors carry the messages per
// field, internal errors are logged and hidden.
func abort(c *gin.Context, err error) {
	code := statusOf(err)
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(code, verr.Fields())
	case code == http.StatusNotFound:
		c.AbortWithStatusJSON(code, gin.H{"detail": "Not found."})
	case code == http.StatusInternalServerError:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.AbortWithStatusJSON(code, gin.H{"detail": "A server error occurred."})
	default:
		c.AbortWithStatusJSON(code, gin.H{"detail": err.Error()})
	}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
}

// idParam parses the :id path parameter, answering 404 on garbage.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return 0, false
	}
	return id, true
}
