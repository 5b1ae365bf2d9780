package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/linechat/internal/client"
	"github.com/Tyrowin/linechat/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run returns the process exit code: 0 when ctx ends the session, 1 on a
// usage error, a failed connect or a server hang-up.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: chatclient hostname")
		return 1
	}

	cfg, err := client.LoadConfig()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log, err := logger.FromStrings(cfg.LogLevel, cfg.LogFormat, logger.WithOutput(stderr))
	if err != nil {
		log.Warn("invalid logging configuration, using defaults", "error", err)
	}

	conn, err := client.Dial(ctx, args[0], cfg.Port, cfg.DialTimeout, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	err = client.NewSession(conn, stdin, stdout, log).Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, client.ErrHangUp):
		return 1
	default:
		fmt.Fprintln(stderr, err)
		return 1
	}
}
