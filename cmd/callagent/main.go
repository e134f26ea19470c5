package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/config"
	"callcore/internal/history"
	"callcore/internal/negotiation"
	"callcore/internal/signaling"
	"callcore/pkg/logger"
	"callcore/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	historySvc, closeHistory, err := openHistory(rootCtx, cfg, log)
	if err != nil {
		log.Error("history init failed", "err", err)
		os.Exit(1)
	}
	defer closeHistory()

	rdb, err := utils.NewRedis(utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()
	channel := signaling.NewRedisChannel(rdb, cfg.Redis.TopicPrefix, logger.Component(log, "signaling"))

	engines, err := negotiation.NewPionFactory(negotiation.PionConfig{
		ICEServers:         cfg.Call.ICEServers,
		AllowVideoFallback: cfg.Call.VideoAudioFallback,
	}, negotiation.NewSampleSource(negotiation.DeviceConfig{
		Audio: cfg.Media.AudioDevice,
		Video: cfg.Media.VideoDevice,
	}), logger.Component(log, "negotiation"))
	if err != nil {
		log.Error("negotiation init failed", "err", err)
		os.Exit(1)
	}

	machine, err := calls.New(calls.Config{
		LocalUserID:    cfg.App.LocalUserID,
		RingTimeout:    cfg.Call.RingTimeout,
		MinRing:        cfg.Call.MinRing,
		ConnectTimeout: cfg.Call.ConnectTimeout,
		RecordTimeout:  cfg.Call.RecordTimeout,
		Logger:         log,
	}, channel, engines, calls.HistoryRecorder{History: historySvc, LocalUserID: cfg.App.LocalUserID})
	if err != nil {
		log.Error("call machine init failed", "err", err)
		os.Exit(1)
	}
	if err := machine.Start(rootCtx); err != nil {
		log.Error("call machine start failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, cfg, authManager, machine, historySvc)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("call agent listening", "addr", srv.Addr, "env", cfg.App.Env, "local_user_id", cfg.App.LocalUserID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hang up first so the remote side sees an end and history is written.
	if err := machine.Stop(shutdownCtx); err != nil {
		log.Error("call machine stop failed", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func openHistory(ctx context.Context, cfg config.Config, log *slog.Logger) (*history.Service, func(), error) {
	if cfg.History.Backend == config.HistoryBackendMemory {
		log.Warn("call history kept in memory; records are lost on restart")
		return history.NewService(history.NewMemoryRepo()), func() {}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo := history.NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return history.NewService(repo), func() { _ = db.Close() }, nil
}
