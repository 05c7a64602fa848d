// Command filedrop serves a directory tree to browsers: listing, upload,
// download, archive download, folder creation and deletion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"filedrop/internal/config"
	"filedrop/internal/diskusage"
	"filedrop/internal/fsutil"
	"filedrop/internal/httpserver"
	"filedrop/internal/logging"
	"filedrop/internal/monitoring"
	"filedrop/internal/version"
)

const shutdownGrace = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "filedrop",
		Usage:   "Share a directory with browsers on your network",
		Version: version.Get().Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Sources: cli.EnvVars("FILEDROP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "directory to serve (overrides UPLOAD_DIR)",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address host:port (overrides HOST and PORT)",
			},
			&cli.Int64Flag{
				Name:  "max-upload",
				Usage: "per-file upload ceiling in bytes (overrides MAX_UPLOAD_BYTES)",
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Action: serveAction,
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintln(cmd.Root().Writer, version.Get().String())
					return nil
				},
			},
			{
				Name:  "df",
				Usage: "Print disk usage of the storage root as JSON",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					root, err := fsutil.NewRoot(cfg.Storage.Root)
					if err != nil {
						return err
					}
					u, err := diskusage.Report(root.Abs())
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.Root().Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(u)
				},
			},
		},
	}
}

// loadConfig applies command line overrides on top of config.Load.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("root") {
		cfg.Storage.Root = cmd.String("root")
	}
	if cmd.IsSet("addr") {
		if err := cfg.Server.SetAddr(cmd.String("addr")); err != nil {
			return nil, err
		}
	}
	if cmd.IsSet("max-upload") {
		cfg.Storage.MaxUploadBytes = cmd.Int64("max-upload")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	root, err := fsutil.NewRoot(cfg.Storage.Root)
	if err != nil {
		return err
	}
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		Root:    root,
		Logger:  log,
		Metrics: monitoring.NewMetrics(),
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("filedrop listening",
			zap.String("addr", httpSrv.Addr),
			zap.String("root", root.Abs()),
			zap.String("version", version.Get().Version),
			zap.Int64("max_upload_bytes", cfg.Storage.MaxUploadBytes),
			zap.Duration("transfer_timeout", cfg.Server.TransferTimeout),
			zap.Bool("webdav", cfg.Server.WebDAV),
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
