package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filedrop/internal/fsutil"
)

type reply struct {
	status int
	msg    string
}

var defaultReplies = map[error]reply{
	fsutil.ErrInvalidPath:   {http.StatusBadRequest, "Invalid path"},
	fsutil.ErrNotFound:      {http.StatusNotFound, "Not found"},
	fsutil.ErrNotADirectory: {http.StatusBadRequest, "Not a directory"},
	fsutil.ErrIsADirectory:  {http.StatusBadRequest, "Cannot download a directory"},
	fsutil.ErrAlreadyExists: {http.StatusBadRequest, "Already exists"},
	fsutil.ErrMissingName:   {http.StatusBadRequest, "Name is required"},
	fsutil.ErrTooLarge:      {http.StatusRequestEntityTooLarge, "File too large"},
	fsutil.ErrWriteFailure:  {http.StatusInternalServerError, "Write failed"},
	fsutil.ErrIO:            {http.StatusInternalServerError, "Read failed"},
	fsutil.ErrUnavailable:   {http.StatusInternalServerError, "Unavailable"},
	fsutil.ErrConflict:      {http.StatusConflict, "Conflict"},
}

// replyFor maps err onto a status and a client message. Entries in
// overrides win over the defaults for their kind. Anything outside the
// taxonomy is a 500.
func replyFor(err error, overrides map[error]reply) reply {
	kind := fsutil.KindOf(err)
	if kind == nil {
		return reply{http.StatusInternalServerError, "Internal server error"}
	}
	if r, ok := overrides[kind]; ok {
		return r
	}
	return defaultReplies[kind]
}

// fail writes the JSON error for err and aborts the chain. extra fields are
// merged into the body. The cause is logged, never sent.
func (s *Server) fail(c *gin.Context, err error, overrides map[error]reply, extra gin.H) {
	r := replyFor(err, overrides)
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("route", c.FullPath()),
		zap.Int("status", r.status),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled):
		s.log.Debug("request cancelled", fields...)
	case r.status >= http.StatusInternalServerError:
		s.log.Error("request failed", fields...)
	default:
		s.log.Debug("request rejected", fields...)
	}

	body := gin.H{"error": r.msg}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(r.status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
