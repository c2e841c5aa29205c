// Command defmt-reflector reads a defmt binary log stream, decodes it
// against the symbol table embedded in a target ELF image, reconstructs
// per-task/ISR timelines, and forwards the resulting events to a Modality
// ingest service. It loads a YAML configuration file, wires the frame
// decoder, context manager, and ingest dispatcher together, exposes a
// Prometheus metrics endpoint, and shuts down gracefully on SIGTERM/SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/auxoncorp/modality-defmt-plugins/internal/config"
	"github.com/auxoncorp/modality-defmt-plugins/internal/defmt"
	"github.com/auxoncorp/modality-defmt-plugins/internal/driver"
	"github.com/auxoncorp/modality-defmt-plugins/internal/ingestclient"
	"github.com/auxoncorp/modality-defmt-plugins/internal/metrics"
)

func main() {
	configPath := flag.String("config", "/etc/defmt-reflector/config.yaml", "path to the defmt reflector YAML configuration file")
	elfOverride := flag.String("elf", "", "override the configured elf_file path")
	inputPath := flag.String("input", "-", "path to read the defmt byte stream from, or \"-\" for stdin")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "defmt-reflector: %v\n", err)
		os.Exit(1)
	}
	if *elfOverride != "" {
		cfg.ElfFile = *elfOverride
	}
	if cfg.ElfFile == "" {
		logger.Error("no elf_file configured; set elf_file in the config or pass -elf")
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"config_path", *configPath,
		"elf_file", cfg.ElfFile,
		"rtos_mode", string(cfg.RtosMode),
		"ingest_url", cfg.Ingest.URL,
	)

	elfFile, err := os.Open(cfg.ElfFile)
	if err != nil {
		logger.Error("failed to open elf file", "path", cfg.ElfFile, "error", err)
		os.Exit(1)
	}
	defer elfFile.Close()

	logger.Debug("reading defmt table")
	table, err := defmt.Parse(elfFile)
	if err != nil {
		logger.Error("failed to parse defmt table", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestClient, err := ingestclient.Dial(ctx, cfg.Ingest, logger, m)
	if err != nil {
		logger.Error("failed to connect to ingest service", "url", cfg.Ingest.URL, "error", err)
		os.Exit(1)
	}
	defer ingestClient.Close()

	dispatcher := ingestclient.NewDispatcher(ingestClient)

	input, closeInput, err := openInput(*inputPath)
	if err != nil {
		logger.Error("failed to open input stream", "path", *inputPath, "error", err)
		os.Exit(1)
	}
	defer closeInput()

	metricsServer := &http.Server{
		Addr:         *metricsAddr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	var interruptor driver.Interruptor
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		interruptor.Set()
		cancel()
	}()

	d := driver.New(cfg, table, dispatcher, m, logger)

	logger.Info("starting read loop")
	runErr := d.Run(ctx, input, &interruptor)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}

	if runErr != nil {
		logger.Error("read loop exited with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("defmt-reflector exited cleanly")
}

func openInput(path string) (*os.File, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
