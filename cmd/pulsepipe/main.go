package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"pulsepipe/internal/cli"
	"pulsepipe/pkg/config"
	"pulsepipe/pkg/pipeline"
	"pulsepipe/pkg/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	configPath := flag.String("config", "pulsepipe.yaml", "YAML configuration file (defaults are used if it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to --config and exit")
	hostname := flag.String("hostname", "localhost", "Responder bind host")
	port := flag.Int("port", 5555, "Responder bind port")
	storeKind := flag.String("store", config.StoreMemory, "Config store: memory, sqlite or remote")
	storeHost := flag.String("store-host", "localhost", "Config store host (loopback only)")
	storePort := flag.Int("store-port", 6379, "Config store port")
	storePath := flag.String("store-path", "pulsepipe.db", "SQLite database for --store sqlite")
	pulses := flag.Int("pulses", 2, "Pulses per frame")
	height := flag.Int("height", 128, "Frame height in pixels")
	width := flag.Int("width", 128, "Frame width in pixels")
	cadence := flag.Duration("cadence", 100*time.Millisecond, "Delay after each frame accepted by the processor")
	dispatchCap := flag.Int("dispatch-capacity", 1, "Frames buffered in front of the responder")
	workers := flag.Int("workers", 0, "Pulses processed in parallel (0: configuration value)")
	compression := flag.String("compression", "zstd", "Reply compression: none, lz4 or zstd")
	pattern := flag.String("pattern", "mixed", "Generated pattern: rings, squares or mixed")
	storeAttempts := flag.Int("store-attempts", 5, "Attempts to reach the config store at startup")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	logger, err := cli.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			logger.Error("cannot write configuration", "path", *configPath, "error", err)
			return 1
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return 0
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("cannot load configuration", "path", *configPath, "error", err)
		return 1
	}

	// Flags given on the command line override the file
	set := func(name string, apply func()) {
		if flag.CommandLine.Changed(name) {
			apply()
		}
	}
	set("hostname", func() { cfg.Responder.Hostname = *hostname })
	set("port", func() { cfg.Responder.Port = *port })
	set("store", func() { cfg.Store.Kind = *storeKind })
	set("store-host", func() { cfg.Store.Host = *storeHost })
	set("store-port", func() { cfg.Store.Port = *storePort })
	set("store-path", func() { cfg.Store.Path = *storePath })
	set("pulses", func() { cfg.Pipeline.Pulses = *pulses })
	set("height", func() { cfg.Pipeline.Height = *height })
	set("width", func() { cfg.Pipeline.Width = *width })
	set("cadence", func() { cfg.Pipeline.Cadence = *cadence })
	set("dispatch-capacity", func() { cfg.Pipeline.DispatchCapacity = *dispatchCap })
	set("compression", func() { cfg.Pipeline.Compression = *compression })
	set("pattern", func() { cfg.Pipeline.Pattern = *pattern })
	set("store-attempts", func() { cfg.Store.ConnectAttempts = *storeAttempts })
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	fmt.Println("================================")
	fmt.Println("PULSEPIPE: PULSE-RESOLVED DETECTOR FRAME PIPELINE")
	fmt.Println("================================")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cli.OpenStore(ctx, cli.StoreSettings{
		Kind: cfg.Store.Kind,
		Host: cfg.Store.Host,
		Port: cfg.Store.Port,
		Path: cfg.Store.Path,

		Attempts:      cfg.Store.ConnectAttempts,
		RetryInterval: cfg.Store.ConnectInterval,
		Logger:        logger,
	})
	if errors.Is(err, store.ErrRemoteHost) {
		logger.Error("refusing config store host", "host", cfg.Store.Host, "error", err)
		return 1
	}
	if err != nil {
		logger.Error("config store unavailable", "kind", cfg.Store.Kind, "error", err)
		return 1
	}
	defer st.Close()

	p, err := pipeline.New(cfg, st, pipeline.WithLogger(logger))
	if err != nil {
		logger.Error("cannot build pipeline", "error", err)
		return 1
	}
	if err := p.Start(ctx); err != nil {
		logger.Error("cannot start pipeline", "error", err)
		return 1
	}

	fmt.Printf("Frame shape: %d x %d x %d, cadence %v\n",
		cfg.Pipeline.Pulses, cfg.Pipeline.Height, cfg.Pipeline.Width, cfg.Pipeline.Cadence)
	fmt.Printf("Config store: %s\n", cfg.Store.Kind)
	fmt.Printf("Serving frames at ws://%s/ (run %s)\n", p.Addr(), p.RunID())

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 4*cfg.Pipeline.ShutdownTimeout+time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		logger.Warn("unclean shutdown", "error", err)
	}

	s := p.Status()
	fmt.Printf("Generated %d frames, processed %d, served %d in %s\n",
		s.Source.Generated, s.Processor.Processed, s.Responder.Served, s.Uptime.Round(time.Second))
	return 0
}
