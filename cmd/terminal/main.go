package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/app"
	"github.com/hakimelghazi/termtrader/internal/config"
	"github.com/hakimelghazi/termtrader/internal/engine"
)

const origin = "terminal"

// echoRemote prints commands that other screens send through the same core.
func echoRemote(out io.Writer) func(engine.Response) error {
	return func(resp engine.Response) error {
		if resp.Origin != origin {
			fmt.Fprintf(out, "\n[%s] %s\n%s", resp.Origin, resp.Raw, prompt)
		}
		return nil
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("TERMTRADER_CONFIG"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	// stderr only, quiet unless asked.
	if os.Getenv("TERMTRADER_LOG_LEVEL") == "" {
		cfg.Logging.Level = "warn"
	}
	logger, err := app.NewLogger(cfg.Logging.Level, "console")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// A second Ctrl-C during shutdown kills the process.
	go func() {
		<-ctx.Done()
		stop()
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}

	out := &syncWriter{w: os.Stdout}
	a.Dispatcher.Subscribe(echoRemote(out))

	fmt.Fprintf(out, "%s %s - type 'help' for commands, 'quit' to leave\n", cfg.App.Name, cfg.App.Version)
	err = a.Run(ctx, func(ctx context.Context) error {
		return repl(ctx, os.Stdin, out, a.Dispatcher, a.Session())
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal("terminal stopped", zap.Error(err))
	}
}
