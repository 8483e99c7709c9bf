package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marmos91/sharefs/internal/logger"
	"github.com/marmos91/sharefs/pkg/config"
)

const usage = `sharefs - remote share client

Usage:
  sharefs [flags] <command> [arguments]

Commands:
  init [-force]            write a default configuration file
  check <conn>             probe a configured connection
  ls <conn:/dir/>          list a directory
  stat <conn:/path>        show one entry
  get <conn:/file> <local> download a file
  put <local> <conn:/file> upload a file
  mkdir <conn:/dir/>       create a directory
  rm <conn:/path>          delete a file or directory tree
  mv <conn:/src> <conn:/dst>
  cp <conn:/src> <conn:/dst>

Targets are <connection-name>:<path>. A trailing "/" marks a directory.

Flags:
`

func main() {
	fs := flag.NewFlagSet("sharefs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/sharefs/config.yaml)")
	logLevel := fs.String("log-level", "", "Override log level (DEBUG, INFO, WARN, ERROR)")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall deadline for the command")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	if args[0] == "init" {
		if err := runInit(args[1:]); err != nil {
			log.Fatalf("init: %v", err)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	metricsResult := config.InitializeMetrics(cfg)
	if metricsResult.Server != nil {
		go func() {
			if err := metricsResult.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = metricsResult.Server.Stop(stopCtx)
		}()
	}

	m := config.CreateManager(cfg, metricsResult)
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("Closing sessions: %v", err)
		}
	}()

	c := &cli{cfg: cfg, client: m, out: os.Stdout}
	if err := c.run(ctx, args[0], args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
		}
		logger.Error("%s: %v", args[0], err)
		cancelTimeout()
		cancel()
		_ = m.Close()
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing config file")
	path := fs.String("path", "", "Write to this path instead of the default location")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		written string
		err     error
	)
	if *path != "" {
		written, err = config.InitConfigAt(*path, *force)
	} else {
		written, err = config.InitConfig(*force)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", written)
	return nil
}
