// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the kodiak request orchestration server.
//
// Configuration is read from the environment (a .env file is honored
// when present):
//
//   - KODIAK_LISTEN_ADDR: HTTP listen address (default: :12300)
//   - KODIAK_DATA_DIR: storage root (default: /var/lib/kodiak)
//   - KODIAK_PROFILES_DIR: hardware profile YAML directory
//   - KODIAK_ACTIVE_PROFILE: profile selected at startup
//   - KODIAK_FALLBACK_PROFILE: profile used when a critical model
//     crashes repeatedly
//   - KODIAK_ADMIN_TOKEN: bearer token for /admin (empty disables it)
//   - OLLAMA_URL, SGLANG_URL, VLLM_URL, TENSORRT_URL: backend endpoints
//   - SEARXNG_URL, BRAIN_URL, IMAGE_URL: tool service endpoints
//   - KODIAK_WORKSPACE_DIR: sandbox root for file/exec tools
//   - KODIAK_LOG_LEVEL: debug, info, warn, or error (default: info)
//   - KODIAK_LOG_DIR, KODIAK_LOG_RETENTION_DAYS: dated log cleanup
//   - KODIAK_WORKERS, KODIAK_QUEUE_SIZE, KODIAK_MAX_RETRIES
//   - KODIAK_VRAM_STRATEGY: eviction strategy name
//   - OTEL_EXPORTER_OTLP_ENDPOINT: tracing collector (empty disables)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/kodiak/pkg/logging"
	"github.com/AleutianAI/kodiak/services/orchestrator"
)

func main() {
	_ = godotenv.Load()

	logger := logging.New(logging.Config{
		Level:   os.Getenv("KODIAK_LOG_LEVEL"),
		Dir:     os.Getenv("KODIAK_LOG_DIR"),
		Service: "orchestrator",
	})
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	cfg := orchestrator.Config{
		ListenAddr:       getEnvString("KODIAK_LISTEN_ADDR", ":12300"),
		DataDir:          getEnvString("KODIAK_DATA_DIR", "/var/lib/kodiak"),
		ProfilesDir:      getEnvString("KODIAK_PROFILES_DIR", "/etc/kodiak/profiles"),
		ActiveProfile:    os.Getenv("KODIAK_ACTIVE_PROFILE"),
		FallbackProfile:  os.Getenv("KODIAK_FALLBACK_PROFILE"),
		AdminToken:       os.Getenv("KODIAK_ADMIN_TOKEN"),
		OllamaURL:        getEnvString("OLLAMA_URL", "http://localhost:11434"),
		SGLangURL:        os.Getenv("SGLANG_URL"),
		VLLMURL:          os.Getenv("VLLM_URL"),
		TensorRTURL:      os.Getenv("TENSORRT_URL"),
		SearchBaseURL:    os.Getenv("SEARXNG_URL"),
		BrainBaseURL:     os.Getenv("BRAIN_URL"),
		ImageBaseURL:     os.Getenv("IMAGE_URL"),
		WorkspaceDir:     os.Getenv("KODIAK_WORKSPACE_DIR"),
		LogDir:           os.Getenv("KODIAK_LOG_DIR"),
		LogRetentionDays: getEnvInt("KODIAK_LOG_RETENTION_DAYS", 14),
		Workers:          getEnvInt("KODIAK_WORKERS", 2),
		QueueMaxSize:     getEnvInt("KODIAK_QUEUE_SIZE", 100),
		MaxRetries:       getEnvInt("KODIAK_MAX_RETRIES", 2),
		VRAMStrategy:     os.Getenv("KODIAK_VRAM_STRATEGY"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	slog.Info("Starting kodiak orchestrator",
		"addr", cfg.ListenAddr,
		"profiles_dir", cfg.ProfilesDir,
		"workers", cfg.Workers,
	)

	svc, err := orchestrator.New(cfg, logger.Logger)
	if err != nil {
		log.Fatalf("Failed to assemble orchestrator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
