package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"fieldscan/internal/config"
	"fieldscan/internal/logger"
	"fieldscan/internal/repository/sqlite"
	"fieldscan/internal/routes"
	"fieldscan/internal/service"
	"fieldscan/internal/service/ai"
	"fieldscan/internal/service/ai/opencv"
	"fieldscan/internal/service/camera"
	"fieldscan/internal/service/detection"
	"fieldscan/internal/service/monitor"
	"fieldscan/internal/service/storage"
	"fieldscan/internal/service/websocket"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	config  *config.Config
	logger  *logger.Logger
	db      *sqlite.DB
	manager *service.Manager
	server  *http.Server
}

// NewApp builds the scanner from cfg. Nothing touches the camera or the
// models until Run.
func NewApp(cfg *config.Config) (*App, error) {
	log, err := logger.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "creating database directory"), log.Close())
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, multierr.Append(err, log.Close())
	}
	inspectionRepo := sqlite.NewInspectionRepository(db)

	candidates, err := opencv.Backends(cfg.Backends, cfg.ProbeModelPath, cfg.ProbeConfigPath)
	if err != nil {
		return nil, multierr.Combine(err, db.Close(), log.Close())
	}
	backends := ai.NewBackendManager(log.Named("backend"), candidates...)
	registry := ai.NewRegistry(log.Named("models"))
	opencv.Register(registry, cfg, backends.Active)

	hub := websocket.NewHubService(log.Named("viewers"))

	var memory *monitor.Memory
	if sample, err := monitor.ProcessRSS(); err != nil {
		log.Warning("Memory monitor disabled: %v", err)
	} else {
		memory = monitor.NewMemory(sample, cfg.MemorySampleRate, nil, log.Named("memory"))
	}

	cameraLog := log.Named("camera")
	manager := service.NewManager(cfg, service.Dependencies{
		Backends: backends,
		Registry: registry,
		OpenSource: func() (detection.FrameSource, error) {
			src, err := camera.Open(cfg, cameraLog)
			if err != nil {
				return nil, err
			}
			return src, nil
		},
		Store:  storage.NewInspectionStore(cfg.ImageDirectory, inspectionRepo, log.Named("storage")),
		Hub:    hub,
		Memory: memory,
	}, log)

	router := routes.SetupRoutes(manager, hub, inspectionRepo, cfg, log)

	return &App{
		config:  cfg,
		logger:  log,
		db:      db,
		manager: manager,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves the API until ctx is cancelled. The first initialization runs
// in the background; a failure leaves the API up so the caller can retry
// through /api/init.
func (a *App) Run(ctx context.Context) error {
	a.manager.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Initialization errors are reported through /api/status.
		_ = a.manager.Initialize(ctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("Field scanner listening on http://localhost:%d", a.config.Port)
		a.logger.Info("Images: %s, database: %s", a.config.ImageDirectory, a.config.DatabasePath)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close stops the session and releases the database and log files.
func (a *App) Close() error {
	err := multierr.Combine(a.manager.Stop(), a.db.Close())
	return multierr.Append(err, a.logger.Close())
}
