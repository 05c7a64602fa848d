// Package httpserver is the HTTP boundary of filedrop: it parses requests,
// hands client paths to the storage components and maps their error kinds
// onto status codes.
package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"filedrop/internal/config"
	"filedrop/internal/davfs"
	"filedrop/internal/files"
	"filedrop/internal/fsutil"
	"filedrop/internal/monitoring"
	"filedrop/internal/upload"
)

const rateLimitIdleTTL = 10 * time.Minute

type Options struct {
	Config  *config.Config
	Root    *fsutil.Root
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

type Server struct {
	cfg     *config.Config
	root    *fsutil.Root
	files   *files.Service
	uploads  *upload.Store
	sessions *upload.Sessions
	thumbs  *thumbCache
	log     *zap.Logger
	metrics *monitoring.Metrics

	engine *gin.Engine
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("httpserver: config is required")
	}
	if opts.Root == nil {
		return nil, errors.New("httpserver: storage root is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	thumbDir := filepath.Join(opts.Config.Storage.StateDirOrDefault(), "thumbs")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail cache: %w", err)
	}
	// The cache must not be reachable through the API.
	if opts.Root.Contains(thumbDir) {
		return nil, fmt.Errorf("state dir %s is inside the storage root", thumbDir)
	}

	uploads := upload.New(opts.Root, opts.Config.Storage.MaxUploadBytes, log.Named("upload"))
	sessions, err := upload.NewSessions(uploads, opts.Config.Storage.StateDirOrDefault(), log.Named("upload"))
	if err != nil {
		return nil, fmt.Errorf("open upload sessions: %w", err)
	}

	s := &Server{
		cfg:      opts.Config,
		root:     opts.Root,
		files:    files.New(opts.Root, log.Named("files")),
		uploads:  uploads,
		sessions: sessions,
		thumbs:   &thumbCache{dir: thumbDir},
		log:      log,
		metrics:  metrics,
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return withTransferDeadline(s.engine, s.cfg.Server.TransferTimeout, s.log)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.log))
	r.Use(requestID())
	r.Use(accessLog(s.log.Named("http")))
	r.Use(monitoring.Middleware(s.metrics))
	r.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	if rl := s.cfg.RateLimit; rl.Enabled {
		s.log.Info("rate limiting enabled",
			zap.Int("rps", rl.RequestsPerSecond),
			zap.Int("burst", rl.Burst),
		)
		r.Use(rateLimit(rl.RequestsPerSecond, rl.Burst, rateLimitIdleTTL))
	}
	r.Use(securityHeaders())

	api := r.Group("/api")
	{
		api.GET("/files", s.handleList)
		api.GET("/search", s.handleSearch)
		api.POST("/upload", s.handleUpload)
		api.POST("/uploads", s.handleCreateSession)
		api.GET("/uploads/:id", s.handleGetSession)
		api.PATCH("/uploads/:id", s.handlePatchSession)
		api.POST("/uploads/:id/finish", s.handleFinishSession)
		api.DELETE("/uploads/:id", s.handleCancelSession)
		api.GET("/download/*path", s.handleDownload)
		api.GET("/download-zip/*path", s.handleDownloadZip)
		api.GET("/download-multi", s.handleDownloadMulti)
		api.POST("/folder", s.handleCreateFolder)
		api.POST("/rename", s.handleRename)
		api.DELETE("/delete/*path", s.handleDelete)
		api.POST("/delete-multi", s.handleDeleteMulti)
		api.GET("/thumb/*path", s.handleThumb)
		api.GET("/disk-space", s.handleDiskSpace)
		api.GET("/disk-space/ws", s.handleDiskSpaceWS)
		api.GET("/version", s.handleVersion)
		api.GET("/health", s.handleHealth)
	}
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if s.cfg.Server.WebDAV {
		dav := gin.WrapH(davfs.Handler("/dav", davfs.New(s.root, s.uploads, s.log.Named("webdav"))))
		for _, m := range []string{
			http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete,
			"PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
		} {
			r.Handle(m, "/dav/*path", dav)
		}
	}

	r.NoRoute(s.staticHandler())
	return r
}

// staticHandler serves the browser UI from PublicDir. API paths and a
// missing UI directory get a JSON 404.
func (s *Server) staticHandler() gin.HandlerFunc {
	notFound := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}
	dir := s.cfg.Server.PublicDir
	if dir == "" {
		return notFound
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		s.log.Warn("public dir not found, UI disabled", zap.String("dir", dir))
		return notFound
	}
	fileServer := http.FileServer(gin.Dir(dir, false))
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") ||
			(c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
			notFound(c)
			return
		}
		fileServer.ServeHTTP(c.Writer, c.Request)
	}
}
