package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sadewadee/dispatchd"
	"github.com/sadewadee/dispatchd/internal/config"
	"github.com/sadewadee/dispatchd/internal/handler"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "version":
		fmt.Printf("dispatchd v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serve() {
	cfgPath := "dispatchd.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, closer := setupLogger("info", "json", "stdout")
	if closer != nil {
		defer closer.Close()
	}
	logger.Info("dispatchd starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, closer = setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if closer != nil {
		defer closer.Close()
	}

	app := dispatchd.New(cfg, cfgPath, logger)
	app.SetGroupRouter(func(cmd uint32, body []byte) int {
		for id := range cfg.Groups {
			return id
		}
		return 0
	})
	app.Handle(1, echoHandler)

	if err := app.Run(context.Background()); err != nil {
		logger.Error("dispatchd exited with error", "error", err)
		os.Exit(1)
	}
}

func echoHandler(req *handler.Request) ([]byte, error) {
	return req.Body, nil
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`dispatchd - multi-process request dispatcher

Usage:
  dispatchd <command> [config path]

Commands:
  serve [config]   Start the master/proxy/worker system (default config: dispatchd.yaml)
  start [config]   Alias for serve
  version          Show version
  help             Show this help

Signals (sent to the master, propagated to proxy and workers):
  SIGHUP           Hot reload: spawn a fresh worker pool, swap it in once ready
  SIGINT/SIGTERM   Graceful shutdown
  SIGQUIT          Forced shutdown

Examples:
  dispatchd serve
  dispatchd serve /etc/dispatchd/dispatchd.yaml
  kill -HUP $(pidof dispatchd)   # reload workers`)
}
