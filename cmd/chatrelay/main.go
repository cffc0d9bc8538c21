package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatrelay/internal/config"
	"github.com/adred-codev/chatrelay/internal/logging"
	"github.com/adred-codev/chatrelay/internal/logsink"
	"github.com/adred-codev/chatrelay/internal/relay"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <port>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", flag.Arg(0))
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Addr = fmt.Sprintf(":%d", port)
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})

	// automaxprocs has already sized GOMAXPROCS from any container limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	sink := logsink.New(cfg.LogDir, logger)
	if sink.Path() != "" {
		logger.Info().Str("path", sink.Path()).Msg("Event log open")
	}

	server := relay.NewServer(cfg, logger, sink)
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		sink.Close()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Interrupt received, shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
