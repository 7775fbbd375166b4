// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dependency health and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := callAdmin(http.MethodGet, "/admin/health", nil); err != nil {
			return err
		}
		return callAdmin(http.MethodGet, "/admin/queue/stats", nil)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or purge the request queue",
}

var vramCmd = &cobra.Command{
	Use:   "vram",
	Short: "Inspect or mutate VRAM model residency",
}

var (
	flagModel    string
	flagPriority string
	flagMessage  string
)

func init() {
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depth, in-flight, and terminal counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(http.MethodGet, "/admin/queue/stats", nil)
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Drop every queued (not in-flight) request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(http.MethodPost, "/admin/queue/purge", nil)
		},
	})

	vramCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show loaded models and memory pressure",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(http.MethodGet, "/admin/vram", nil)
		},
	})

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Admit a model from the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagModel == "" {
				return fmt.Errorf("--model is required")
			}
			body := map[string]string{"model_id": flagModel}
			if flagPriority != "" {
				body["priority"] = flagPriority
			}
			return callAdmin(http.MethodPost, "/admin/vram/load", body)
		},
	}
	loadCmd.Flags().StringVar(&flagModel, "model", "", "model id")
	loadCmd.Flags().StringVar(&flagPriority, "priority", "", "priority override (critical|high|normal|low)")
	vramCmd.AddCommand(loadCmd)

	unloadCmd := &cobra.Command{
		Use:   "unload",
		Short: "Release a loaded model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagModel == "" {
				return fmt.Errorf("--model is required")
			}
			return callAdmin(http.MethodPost, "/admin/vram/unload", map[string]string{"model_id": flagModel})
		},
	}
	unloadCmd.Flags().StringVar(&flagModel, "model", "", "model id")
	vramCmd.AddCommand(unloadCmd)

	evictCmd := &cobra.Command{
		Use:   "evict",
		Short: "Emergency-evict the best victim model",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if flagPriority != "" {
				body["below_priority"] = flagPriority
			}
			return callAdmin(http.MethodPost, "/admin/vram/evict", body)
		},
	}
	evictCmd.Flags().StringVar(&flagPriority, "priority", "", "evict at or below this priority")
	vramCmd.AddCommand(evictCmd)

	maintenanceCmd.Flags().StringVar(&flagMessage, "message", "", "user-facing maintenance message")
}

var maintenanceCmd = &cobra.Command{
	Use:       "maintenance <off|soft|hard>",
	Short:     "Set the maintenance mode",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"off", "soft", "hard"},
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"mode": args[0]}
		if flagMessage != "" {
			body["message"] = flagMessage
		}
		return callAdmin(http.MethodPost, "/admin/maintenance", body)
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage hardware profiles",
}

func init() {
	profileCmd.AddCommand(&cobra.Command{
		Use:   "switch <name>",
		Short: "Switch the active hardware profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAdmin(http.MethodPost, "/admin/profile/switch", map[string]string{"name": args[0]})
		},
	})
}
