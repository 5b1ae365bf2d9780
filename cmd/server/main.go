package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/linechat/internal/logger"
	"github.com/Tyrowin/linechat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	log, err := logger.FromStrings(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Warn("invalid logging configuration, using defaults", "error", err)
	}
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, server.WithServerLogger(log))
	if err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		return err
	}

	return srv.Serve(ctx)
}
