// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command kodiakctl administers a running kodiak orchestrator over its
// admin REST surface.
//
// Examples:
//
//	kodiakctl status
//	kodiakctl queue stats
//	kodiakctl queue purge
//	kodiakctl vram status
//	kodiakctl vram load --model qwen3:32b
//	kodiakctl vram evict
//	kodiakctl maintenance hard --message "upgrading GPU drivers"
//	kodiakctl profile switch low-vram
//
// The server address and admin token come from --server/--token or the
// KODIAK_SERVER / KODIAK_ADMIN_TOKEN environment variables.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagToken  string
)

var rootCmd = &cobra.Command{
	Use:           "kodiakctl",
	Short:         "Administer a kodiak orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server",
		envOr("KODIAK_SERVER", "http://localhost:12300"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token",
		os.Getenv("KODIAK_ADMIN_TOKEN"), "admin bearer token")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(vramCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(profileCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
