package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"dmrelay/api"
	"dmrelay/config"
	"dmrelay/db"
	"dmrelay/delivery"
	"dmrelay/pending"
	"dmrelay/presence"
	"dmrelay/server"
	"dmrelay/ws"

	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to initialize database")
	}
	defer database.Close()

	registry := presence.NewRegistry()
	queue := pending.NewQueue()
	router := delivery.NewRouter(database, registry, queue, logger, delivery.Options{
		RecoverLimit: cfg.RecoverLimit,
	})

	srv := server.New(database, router, registry, &server.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}, logger)

	wsHandler := ws.NewHandler(router, logger, ws.Options{
		PingInterval: time.Duration(cfg.PingInterval) * time.Second,
		WriteWait:    time.Duration(cfg.WriteTimeout) * time.Second,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(logger, database, registry, wsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	control := newControlSocket(cfg.ControlSocket, logger, func() string {
		return srv.GetStats() + ",pending=" + strconv.Itoa(queue.Total())
	})
	if err := control.Listen(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.ControlSocket).Msg("failed to create control socket")
	} else {
		go control.Serve()
		defer control.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reason, completion := "maintenance", time.Time{}
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case req := <-control.Shutdown():
		reason, completion = req.reason, req.completion
		logger.Info().Str("reason", reason).Time("completion", completion).Msg("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	srv.Shutdown(reason, completion)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	logger.Info().Msg("relay stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "dmrelay").Logger()
}
