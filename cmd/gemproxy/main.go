package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/gemproxy/internal/chat"
	"github.com/ent0n29/gemproxy/internal/config"
	"github.com/ent0n29/gemproxy/internal/conversation"
	"github.com/ent0n29/gemproxy/internal/gemini"
	"github.com/ent0n29/gemproxy/internal/httpapi"
	"github.com/ent0n29/gemproxy/internal/imagefetch"
	"github.com/ent0n29/gemproxy/internal/logging"
	"github.com/ent0n29/gemproxy/internal/observability"
	"github.com/ent0n29/gemproxy/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("config error", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.DebugMode)
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	archive, err := transcript.Open(ctx, transcript.Options{
		DatabaseURL:          cfg.DatabaseURL,
		MaxRecordsPerSession: cfg.TranscriptMaxRecords,
	})
	if err != nil {
		logger.Fatal("transcript store init failed", zap.Error(err))
	}
	defer archive.Close()
	logger.Info("transcript store ready", zap.String("mode", archive.Mode()))

	sessions := conversation.NewStore(conversation.Options{
		IdleTimeout: cfg.SessionIdleTimeout,
		MaxTurns:    cfg.HistoryMaxTurns,
	})
	sessions.SetCreateHook(func(_ string) {
		metrics.SessionEvents.WithLabelValues("created").Inc()
		metrics.ActiveSessions.Set(float64(sessions.Len()))
	})

	model, err := gemini.New(ctx, gemini.Config{
		APIKey:           cfg.GeminiAPIKey,
		Model:            cfg.GeminiModel,
		BaseURL:          cfg.GeminiBaseURL,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		TopK:             cfg.TopK,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		ResponseMIMEType: cfg.ResponseMIMEType,
	}, logger)
	if err != nil {
		logger.Fatal("gemini client init failed", zap.Error(err))
	}

	fetcher := imagefetch.New(imagefetch.Options{MaxBytes: cfg.MaxImageBytes})

	service := chat.NewService(sessions, fetcher, model, model, archive, metrics, logger, chat.Options{
		DownloadTimeout: cfg.DownloadTimeout,
		UploadTimeout:   cfg.UploadTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		RedactArchive:   cfg.ArchiveRedactPII,
	})

	sessions.SetExpireHook(func(id string, reason conversation.EndReason) {
		metrics.SessionEvents.WithLabelValues(string(reason)).Inc()
		metrics.ActiveSessions.Set(float64(sessions.Len()))
		service.SessionExpired(id)
		logger.Debug("session ended", zap.String("session_id", id), zap.String("reason", string(reason)))
	})

	api := httpapi.New(sessions, service, archive, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, time.Minute)

	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr()),
			zap.String("model", cfg.GeminiModel),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
