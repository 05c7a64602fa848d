package httpserver

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filedrop/internal/archive"
	"filedrop/internal/diskusage"
	"filedrop/internal/files"
	"filedrop/internal/fsutil"
	"filedrop/internal/upload"
	"filedrop/internal/version"
)

// maxFieldBytes bounds the non-file multipart fields (folder, paths).
const maxFieldBytes = 64 << 10

var (
	dirNotFound = map[error]reply{
		fsutil.ErrNotFound:      {http.StatusNotFound, "Directory not found"},
		fsutil.ErrNotADirectory: {http.StatusNotFound, "Directory not found"},
	}
	itemNotFound = map[error]reply{
		fsutil.ErrNotFound: {http.StatusNotFound, "File or folder not found"},
	}
)

func (s *Server) handleList(c *gin.Context) {
	items, dir, err := s.files.List(c.Request.Context(), c.Query("path"))
	if err != nil {
		s.fail(c, err, dirNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currentPath": dir.Rel(),
		"items":       items,
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusOK, gin.H{"items": []files.Entry{}, "truncated": false})
		return
	}
	items, truncated, err := s.files.Search(c.Request.Context(), c.Query("path"), q)
	if err != nil {
		s.fail(c, err, dirNotFound, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "truncated": truncated})
}

// handleUpload stages every file part as it arrives and places the files
// once the whole form has been read, so "folder" and "paths" may come
// before or after the files they describe. paths[i] belongs to the i-th
// file part.
func (s *Server) handleUpload(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "Expected a multipart upload")
		return
	}

	type pending struct {
		filename string
		staged   *upload.Staged
	}
	var (
		folder string
		paths  []string
		parts  []pending
	)
	defer func() {
		for _, p := range parts {
			p.staged.Discard()
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.log.Debug("multipart read failed", zap.Error(err))
			badRequest(c, "Malformed multipart body")
			return
		}

		switch part.FormName() {
		case "folder":
			folder, err = readField(part)
		case "paths":
			var p string
			if p, err = readField(part); err == nil {
				paths = append(paths, p)
			}
		case "files":
			var st *upload.Staged
			st, err = s.uploads.Stage(c.Request.Context(), part)
			if err != nil {
				_ = part.Close()
				s.metrics.UploadErrors.WithLabelValues(kindLabel(err)).Inc()
				s.fail(c, err, nil, gin.H{"files": []upload.Stored{}})
				return
			}
			parts = append(parts, pending{filename: part.FileName(), staged: st})
		}
		_ = part.Close()
		if err != nil {
			badRequest(c, "Malformed multipart body")
			return
		}
	}

	stored := []upload.Stored{}
	for i, p := range parts {
		var sub string
		if i < len(paths) {
			sub = paths[i]
		}
		if p.filename == "" && sub == "" && p.staged.Size() == 0 {
			// An empty file input.
			continue
		}
		res, err := s.uploads.Place(p.staged, upload.Descriptor{
			Folder:   folder,
			Filename: p.filename,
			Subpath:  sub,
		})
		if err != nil {
			s.metrics.UploadErrors.WithLabelValues(kindLabel(err)).Inc()
			s.fail(c, err, nil, gin.H{"files": stored})
			return
		}
		s.metrics.RecordUpload(res.Size)
		stored = append(stored, res)
	}

	if len(stored) == 0 {
		badRequest(c, "No files uploaded")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Files uploaded successfully",
		"files":   stored,
	})
}

func readField(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxFieldBytes {
		return "", errors.New("form field too large")
	}
	return string(b), nil
}

func kindLabel(err error) string {
	if k := fsutil.KindOf(err); k != nil {
		return strings.ReplaceAll(k.Error(), " ", "_")
	}
	return "unknown"
}

func (s *Server) handleDownload(c *gin.Context) {
	f, st, p, err := s.files.Open(c.Request.Context(), c.Param("path"))
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound: {http.StatusNotFound, "File not found"},
		}, nil)
		return
	}
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		s.fail(c, fsutil.NewError("download", p.Rel(), fsutil.ErrIO, err), nil, nil)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.fail(c, fsutil.NewError("download", p.Rel(), fsutil.ErrIO, err), nil, nil)
		return
	}
	c.Header("Content-Type", mt.String())
	c.Header("Content-Disposition", attachment(p.Name()))
	http.ServeContent(c.Writer, c.Request, p.Name(), st.ModTime(), f)
}

func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

func (s *Server) handleDownloadZip(c *gin.Context) {
	format, err := archive.ParseFormat(c.Query("format"))
	if err != nil {
		badRequest(c, "Unsupported archive format")
		return
	}
	dir, err := s.root.Resolve(c.Param("path"))
	if err != nil {
		s.fail(c, err, nil, nil)
		return
	}
	plan, err := archive.PlanFolder(dir)
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound: {http.StatusNotFound, "Folder not found"},
		}, nil)
		return
	}
	name := dir.Name()
	if dir.IsRoot() {
		name = "files"
	}
	s.streamArchive(c, plan, archive.SanitizeName(name), format)
}

func (s *Server) handleDownloadMulti(c *gin.Context) {
	format, err := archive.ParseFormat(c.Query("format"))
	if err != nil {
		badRequest(c, "Unsupported archive format")
		return
	}
	var resolved []fsutil.Resolved
	for _, raw := range strings.Split(c.Query("paths"), ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := s.root.Resolve(raw)
		if err != nil {
			s.fail(c, err, nil, nil)
			return
		}
		resolved = append(resolved, p)
	}
	if len(resolved) == 0 {
		badRequest(c, "No paths specified")
		return
	}
	plan, err := archive.PlanPaths(resolved)
	if err != nil {
		s.fail(c, err, itemNotFound, nil)
		return
	}
	s.streamArchive(c, plan, archive.SanitizeName(c.DefaultQuery("name", "download")), format)
}

// streamArchive writes plan as the response body. Once the headers are out
// a failure is logged and the connection is aborted.
func (s *Server) streamArchive(c *gin.Context, plan *archive.Plan, name string, format archive.Format) {
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", attachment(name+format.Ext()))
	c.Status(http.StatusOK)

	cw := &countingWriter{w: c.Writer}
	err := plan.Stream(c.Request.Context(), cw, format)
	s.metrics.ArchivedBytes.WithLabelValues(string(format)).Add(float64(cw.n))
	if err != nil {
		s.log.Warn("archive stream aborted",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("archive", name+format.Ext()),
			zap.Int64("written", cw.n),
			zap.Error(err),
		)
		// Reset the connection so the client sees a failed transfer rather
		// than a complete-looking response.
		panic(http.ErrAbortHandler)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type folderRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (s *Server) handleCreateFolder(c *gin.Context) {
	var req folderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	p, err := s.files.CreateFolder(c.Request.Context(), req.Path, req.Name)
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrMissingName:   {http.StatusBadRequest, "Folder name is required"},
			fsutil.ErrAlreadyExists: {http.StatusBadRequest, "Folder already exists"},
			fsutil.ErrNotFound:      {http.StatusNotFound, "Directory not found"},
		}, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Folder created successfully",
		"path":    p.Rel(),
	})
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	p, err := s.files.Rename(c.Request.Context(), req.From, req.To)
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrNotFound:      {http.StatusNotFound, "File or folder not found"},
			fsutil.ErrAlreadyExists: {http.StatusBadRequest, "Destination already exists"},
		}, nil)
		return
	}
	body := gin.H{
		"message": "Renamed successfully",
		"path":    p.Rel(),
	}
	if item, _, err := s.files.Stat(c.Request.Context(), p.Rel()); err == nil {
		body["item"] = item
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.files.Delete(c.Request.Context(), c.Param("path")); err != nil {
		s.fail(c, err, itemNotFound, nil)
		return
	}
	s.metrics.Deletions.Inc()
	c.JSON(http.StatusOK, gin.H{"message": "Deleted successfully"})
}

type deleteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// handleDeleteMulti deletes each path independently. Failures are reported
// per path; deletions that succeeded stay done.
func (s *Server) handleDeleteMulti(c *gin.Context) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Paths) == 0 {
		badRequest(c, "No paths specified")
		return
	}
	deleted := []string{}
	failed := []deleteFailure{}
	for _, p := range req.Paths {
		if err := s.files.Delete(c.Request.Context(), p); err != nil {
			r := replyFor(err, itemNotFound)
			s.log.Debug("delete failed", zap.String("path", p), zap.Error(err))
			failed = append(failed, deleteFailure{Path: p, Error: r.msg})
			continue
		}
		s.metrics.Deletions.Inc()
		deleted = append(deleted, p)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "failed": failed})
}

func (s *Server) handleDiskSpace(c *gin.Context) {
	u, err := diskusage.Report(s.root.Abs())
	if err != nil {
		s.fail(c, err, map[error]reply{
			fsutil.ErrUnavailable: {http.StatusInternalServerError, "Disk space information unavailable"},
		}, nil)
		return
	}
	s.metrics.RecordDisk(u.Total, u.Free)
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}
