package httpserver

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
)

var sessionNotFound = map[error]reply{
	fsutil.ErrNotFound: {http.StatusNotFound, "Upload session not found"},
}

type createSessionRequest struct {
	Path string `json:"path"`
	Size *int64 `json:"size"`
}

// handleCreateSession starts a resumable upload:
//
//	POST  /api/uploads                 {"path": "a/b.iso", "size": 123}
//	PATCH /api/uploads/:id             Content-Range: bytes 0-99/123
//	POST  /api/uploads/:id/finish
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	size := int64(-1)
	if req.Size != nil {
		size = *req.Size
	}
	sess, err := s.sessions.Create(c.Request.Context(), req.Path, size)
	if err != nil {
		s.metrics.UploadErrors.WithLabelValues(kindLabel(err)).Inc()
		s.fail(c, err, map[error]reply{
			fsutil.ErrMissingName:   {http.StatusBadRequest, "File path is required"},
			fsutil.ErrAlreadyExists: {http.StatusBadRequest, "A folder exists at this path"},
		}, nil)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err, sessionNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handlePatchSession(c *gin.Context) {
	start, end, total, err := upload.ParseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		badRequest(c, "Invalid Content-Range")
		return
	}
	want := end - start + 1
	sess, err := s.sessions.Append(c.Request.Context(), c.Param("id"), start, total, io.LimitReader(c.Request.Body, want))
	if err != nil {
		s.metrics.UploadErrors.WithLabelValues(kindLabel(err)).Inc()
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound: sessionNotFound[fsutil.ErrNotFound],
			fsutil.ErrConflict: {http.StatusConflict, "Chunk does not match the upload"},
		}, gin.H{"offset": sess.Offset})
		return
	}
	if sess.Offset != end+1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Incomplete chunk", "offset": sess.Offset})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleFinishSession(c *gin.Context) {
	res, err := s.sessions.Finish(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.metrics.UploadErrors.WithLabelValues(kindLabel(err)).Inc()
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound: sessionNotFound[fsutil.ErrNotFound],
			fsutil.ErrConflict: {http.StatusConflict, "Upload is incomplete"},
		}, nil)
		return
	}
	s.metrics.RecordUpload(res.Size)
	c.JSON(http.StatusOK, gin.H{
		"message": "Files uploaded successfully",
		"files":   []upload.Stored{res},
	})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	if err := s.sessions.Cancel(c.Param("id")); err != nil {
		s.fail(c, err, sessionNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Upload cancelled"})
}
