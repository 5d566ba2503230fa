package application

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/saivats/Digi-Kul-sub000/internal/archive"
	"github.com/saivats/Digi-Kul-sub000/internal/config"
	"github.com/saivats/Digi-Kul-sub000/internal/database"
	"github.com/saivats/Digi-Kul-sub000/internal/handler"
	"github.com/saivats/Digi-Kul-sub000/internal/hub"
	"github.com/saivats/Digi-Kul-sub000/internal/router"
	"github.com/saivats/Digi-Kul-sub000/internal/service"
)

// API is the HTTP + WebSocket live-session application.
type API struct {
	cfg *config.Config
	srv *http.Server
	db  *gorm.DB
	hub *hub.Hub
}

// NewAPI creates the application: validates config, runs migrations,
// opens the DB, builds the hub and router.
func NewAPI(cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	logger, _ := zap.NewProduction()
	if cfg.AppEnv == "development" {
		logger, _ = zap.NewDevelopment()
	}

	h := hub.New(hub.Options{
		ReadBufferSize:  cfg.WSReadBufferSize,
		WriteBufferSize: cfg.WSWriteBufferSize,
		DrawHistoryCap:  cfg.DrawHistoryCap,
		LivenessTimeout: cfg.LivenessTimeout,
		SweepInterval:   cfg.HeartbeatInterval,
	}, logger)
	if cfg.ArchiveBaseURL != "" {
		h.SetArchiver(archive.NewClient(cfg.ArchiveBaseURL, logger))
	}

	lectureSvc := service.NewLectureService(db, h)
	lectureHandler := handler.NewLectureHandler(lectureSvc, cfg.WSBaseURL)
	sessionWS := handler.NewSessionWSHandler(h, cfg.WSMaxMessageSize, logger)
	health := handler.NewHealthHandler()

	r := router.New(lectureHandler, sessionWS, health)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{cfg: cfg, srv: srv, db: db, hub: h}, nil
}

// Run starts the HTTP server and the hub liveness sweep, blocks until ctx
// is cancelled, then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	log.Printf("HTTP server listening on %s", a.srv.Addr)
	log.Printf("  Health:    %s/health", base)
	log.Printf("  Lectures:  %s/lectures", base)
	log.Printf("  Channel:   ws://%s:%s/ws", host, a.cfg.HTTPPort)

	a.hub.SetContext(ctx)
	go a.hub.Run(ctx)

	go func() {
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
