package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/pkg/config"
	"github.com/marmos91/pipeserv/pkg/server"
)

const usage = `pipeserv - staged connection pipeline server

Usage:
  pipeserv <command> [flags]

Commands:
  init    Initialize a sample configuration file
  start   Start the server

Flags for 'init':
  --config string   Path to config file (default: $XDG_CONFIG_HOME/pipeserv/config.yaml)
  --force           Overwrite an existing config file

Flags for 'start':
  --config string   Path to config file (default: $XDG_CONFIG_HOME/pipeserv/config.yaml)

Environment variables override config file values:
  PIPESERV_LOGGING_LEVEL=DEBUG
  PIPESERV_SERVER_PORT=9000
  PIPESERV_HANDLER_TYPE=static
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	var (
		path string
		err  error
	)
	if *configPath != "" {
		path = *configPath
		err = config.InitConfigToPath(path, *force)
	} else {
		path, err = config.InitConfig(*force)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("Edit it, then run: pipeserv start")
}

func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	if *configPath == "" && !config.ConfigExists() {
		fmt.Fprintf(os.Stderr, "No configuration file found at %s\n", config.GetDefaultConfigPath())
		fmt.Fprintln(os.Stderr, "Using defaults. Run 'pipeserv init' to create one.")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.Error("%v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// Peers that vanish mid-write must surface as EPIPE, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pipeserv starting")
	logger.Info("Log level: %s, format: %s, output: %s", cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)

	h, err := config.CreateHandler(&cfg.Handler)
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	logger.Info("Handler: %s", cfg.Handler.Type)

	metricsResult := config.InitializeMetrics(cfg)

	srv, err := server.New(cfg.Server, h, metricsResult.PipelineMetrics)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("Server configuration:")
	logger.Info("  Listen: %v (backlog %d)", srv.Addr(), cfg.Server.Backlog)
	logger.Info("  Workers: poll_in=%d write_back=%d recycle=%d",
		cfg.Server.PollInWorkers, cfg.Server.WriteBackWorkers, cfg.Server.RecycleWorkers)
	logger.Info("  Recycle threshold: %d", cfg.Server.RecycleThreshold)
	logger.Info("  Flush threshold: %d bytes", cfg.Server.FlushThreshold)
	logger.Info("  Shutdown timeout: %v", cfg.Server.ShutdownTimeout)
	if cfg.Server.AcceptRate > 0 {
		logger.Info("  Accept rate: %.1f/s (burst %d)", cfg.Server.AcceptRate, cfg.Server.AcceptBurst)
	} else {
		logger.Info("  Accept rate: unlimited")
	}

	metricsDone := make(chan error, 1)
	if metricsResult.Server != nil {
		metricsResult.Server.SetHealthFunc(func() (string, error) {
			return fmt.Sprintf("ok active=%d accepted=%d recycled=%d violations=%d",
				srv.ActiveConnections(), srv.Accepted(), srv.Recycled(),
				srv.Pipeline().OwnershipViolations()), nil
		})
		go func() { metricsDone <- metricsResult.Server.Start(ctx) }()
	} else {
		close(metricsDone)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.Serve(ctx) }()

	logger.Info("Server is running. Press Ctrl+C to stop.")

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		serveErr = <-serverDone
	case serveErr = <-serverDone:
		stop()
	}

	select {
	case err := <-metricsDone:
		if err != nil {
			logger.Warn("Metrics server: %v", err)
		}
	case <-time.After(10 * time.Second):
		logger.Warn("Metrics server did not stop in time")
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	logger.Info("Server stopped gracefully")
	return nil
}
