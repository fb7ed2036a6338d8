package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	apihttp "downpour/internal/api/http"
	"downpour/internal/app"
	"downpour/internal/clock"
	"downpour/internal/domain/ports"
	"downpour/internal/engine"
	"downpour/internal/metrics"
	mongorepo "downpour/internal/repository/mongo"
	"downpour/internal/telemetry"
	"downpour/internal/usecase"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "downpour")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "downpour"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("downloadDir", cfg.DownloadDir),
		slog.Int64("tickIntervalMs", cfg.TickIntervalMs),
		slog.Bool("historyEnabled", cfg.MongoURI != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo ports.ResultRepository
	var closeRepo func(context.Context) error
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			cancel()
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			cancel()
			logger.Error("mongo ping failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		resultRepo := mongorepo.NewResultRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
		if err := resultRepo.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo index creation failed", slog.String("error", err.Error()))
		}
		cancel()
		repo = resultRepo
		closeRepo = mongoClient.Disconnect
	}

	eng := engine.New(logger, clock.Real{}, engine.Config{
		TickInterval: time.Duration(cfg.TickIntervalMs) * time.Millisecond,
	})
	downloads := usecase.NewDownloads(logger, eng, clock.Real{}, cfg.OptionSnapshot(), cfg.DownloadDir, repo)
	server := apihttp.NewServer(logger, downloads)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(rootCtx); err != nil {
			logger.Error("engine stopped", slog.String("error", err.Error()))
		}
	}()

	// Stats publisher: gauges plus websocket snapshots.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				downloads.PublishStats(server.Hub())
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")
	downloads.HaltAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var shutdownErr *multierror.Error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = multierror.Append(shutdownErr, err)
	}
	server.Close()

	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		shutdownErr = multierror.Append(shutdownErr, errors.New("engine did not drain in time"))
	}

	if closeRepo != nil {
		if err := closeRepo(shutdownCtx); err != nil {
			shutdownErr = multierror.Append(shutdownErr, err)
		}
	}

	if err := shutdownErr.ErrorOrNil(); err != nil {
		logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
