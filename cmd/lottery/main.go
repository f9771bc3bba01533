// Command lottery serves the lottery HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"

	app "github.com/R3E-Network/lottery_layer/internal/app"
	"github.com/R3E-Network/lottery_layer/internal/app/httpapi"
	"github.com/R3E-Network/lottery_layer/internal/config"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env-file", ".env", "Path to .env file (ignored when missing)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.NewDefault("lottery").WithError(err).Fatal("failed to load configuration")
	}
	log := logger.New(cfg.Logging).Named("lottery")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, app.Stores{}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build application")
	}
	handler, err := httpapi.NewHandler(application, httpapi.Options{
		JWTSecret:      cfg.Service.JWTSecret,
		RateLimitRPS:   cfg.Service.RateLimitRPS,
		RateLimitBurst: cfg.Service.RateLimitBurst,
		Log:            log.Named("httpapi"),
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build HTTP API")
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start services")
	}
	log.WithField("services", application.Services()).
		WithField("lottery", address.Uint160ToString(application.Lottery.Address())).
		Info("services started")

	server := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Service.ListenAddr).Info("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service stop error")
	}
	log.Info("lottery stopped")
}
