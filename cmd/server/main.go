package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediabroker/internal/broker"
	"mediabroker/internal/engine"
	"mediabroker/internal/platform/config"
	"mediabroker/internal/platform/logger"
	"mediabroker/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	platformName := config.GetEnv("PLATFORM", "desktop")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	mpvBinary := config.GetEnv("MPV_BIN", "mpv")
	mpvExtraArgs := config.GetEnv("MPV_EXTRA_ARGS", "")
	socketDir := config.GetEnv("MPV_SOCKET_DIR", os.TempDir())
	unattendedTimeout := config.GetEnvSeconds("UNATTENDED_TIMEOUT_SECONDS", broker.DefaultUnattendedTimeout)

	log := logger.New(logLevel, logFormat)

	platform, err := engine.ParsePlatform(platformName)
	if err != nil {
		log.Error("invalid configuration", "key", "PLATFORM", "error", err)
		os.Exit(1)
	}
	mpvArgs, err := engine.ParseArgs(mpvExtraArgs)
	if err != nil {
		log.Error("invalid configuration", "key", "MPV_EXTRA_ARGS", "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	factory := engine.NewFactory(engine.DefaultTable(), engine.Options{
		Logger:    log,
		MPVBinary: mpvBinary,
		MPVArgs:   mpvArgs,
		SocketDir: socketDir,
	})
	reg := broker.NewRegistry(broker.Options{
		Platform:          platform,
		Binder:            factory,
		Logger:            log,
		Metrics:           met,
		UnattendedTimeout: unattendedTimeout,
	})
	h := broker.NewHandler(reg, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(nil).ServeHTTP)
	h.Mount(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"platform", platform.String(),
		"engines", len(factory.Keys()),
		"unattended_timeout", unattendedTimeout.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, removing sessions")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// event streams end once their sessions are gone, so close the registry
	// before draining connections
	if err := reg.Close(ctx); err != nil {
		log.Error("registry shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
