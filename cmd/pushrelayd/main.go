// Command pushrelayd is the mobile push-notification relay daemon. It loads
// a YAML configuration file, verifies connectivity to the vendor push and
// feedback gateways, opens the durable queues, starts the push agent pool
// and the feedback agent, and serves client commands on the control socket
// until SIGTERM or SIGINT.
//
// Exit codes: 0 on clean shutdown or -h; 1 on configuration or argument
// error; 2 on a boot-time resource failure such as an unbindable control
// socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pushmob/relay/internal/config"
	"github.com/pushmob/relay/internal/relay"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pushrelayd", flag.ContinueOnError)
	configPath := fs.String("c", "pushrelayd.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pushrelayd: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("bind", cfg.Bind),
		slog.String("push_gateway", cfg.PushGateway),
		slog.String("feedback_gateway", cfg.FeedbackGateway),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := relay.New(cfg, logger).Run(ctx); err != nil {
		logger.Error("relay failed", slog.Any("error", err))
		var exitErr *relay.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 2
	}

	logger.Info("pushrelayd exited cleanly")
	return 0
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records at the configured minimum level, either to stderr or to the
// size-rotated daemon log file.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.DaemonLogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.DaemonLogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
