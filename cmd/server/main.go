package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/app"
	"github.com/hakimelghazi/termtrader/internal/config"
	"github.com/hakimelghazi/termtrader/internal/httpapi"
)

func main() {
	configPath := flag.String("config", os.Getenv("TERMTRADER_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := app.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Dispatcher: a.Dispatcher,
			Books:      a.Books,
			Gatherer:   a.Registry,
			Session:    a.Session,
			Logger:     logger.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", srv.Addr))
			errc <- srv.ListenAndServe()
		}()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	if err := a.Run(ctx, serve); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
	logger.Info("bye")
}
