// Command memo-mcp serves the memo catalog to MCP clients over stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFile     string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus environment when empty)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// stdout carries the protocol; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to load env file", slog.String("path", envFile), slog.String("error", err.Error()))
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = runtime.NewLogger(cfg.Telemetry, os.Stderr)

	svc, err := runtime.Open(context.Background(), cfg, nil, logger)
	if err != nil {
		logger.Error("failed to open services", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer svc.Close()

	if err := server.ServeStdio(newServer(svc)); err != nil {
		logger.Error("mcp server exited with error", slog.String("error", err.Error()))
	}
}
