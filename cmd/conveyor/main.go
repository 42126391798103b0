package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/service"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"conveyor.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Crawler struct {
		DataDir string `short:"d" help:"Directory for working clones" default:"./crawler-data"`
	} `cmd:"" help:"Run the repository crawler"`

	Scheduler struct {
	} `cmd:"" help:"Run the commit-to-build scheduler"`

	Agent struct {
	} `cmd:"" help:"Run a build agent for the configured platform"`

	Watchdog struct {
	} `cmd:"" help:"Run the stalled-run watchdog"`

	All struct {
		DataDir string `short:"d" help:"Directory for working clones" default:"./crawler-data"`
	} `cmd:"" help:"Run every service in one process"`
}

func main() {
	kctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var svc *service.Service
	switch kctx.Command() {
	case "crawler":
		svc, err = service.NewCrawler(ctx, cfg, CLI.Crawler.DataDir)
	case "scheduler":
		svc, err = service.NewScheduler(ctx, cfg)
	case "agent":
		svc, err = service.NewAgent(ctx, cfg)
	case "watchdog":
		svc, err = service.NewWatchdog(ctx, cfg)
	case "all":
		svc, err = service.NewAll(ctx, cfg, CLI.All.DataDir)
	default:
		slog.Error("Unknown command", "command", kctx.Command())
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Failed to start service", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}
