// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	logCleanInterval = 6 * time.Hour
	logDateLayout    = "2006-01-02"
)

// LogCleaner removes dated log directories older than the retention.
// Directories are named YYYY-MM-DD; anything else is left alone.
type LogCleaner struct {
	baseDir   string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewLogCleaner(baseDir string, retentionDays int, logger *slog.Logger) *LogCleaner {
	if retentionDays <= 0 {
		retentionDays = 14
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogCleaner{
		baseDir:   baseDir,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "log_cleaner")),
		now:       time.Now,
	}
}

// Run sweeps immediately and then every six hours until ctx is
// cancelled.
func (c *LogCleaner) Run(ctx context.Context) {
	c.Sweep()
	ticker := time.NewTicker(logCleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes expired date directories and reports what it deleted.
func (c *LogCleaner) Sweep() {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("Cannot read log directory", "dir", c.baseDir, "error", err)
		}
		return
	}

	cutoff := c.now().Add(-c.retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		day, err := time.Parse(logDateLayout, entry.Name())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		path := filepath.Join(c.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			if os.IsPermission(err) {
				c.logger.Error("Cannot remove log directory; fix ownership of the log volume",
					"dir", path, "error", err)
			} else {
				c.logger.Warn("Failed to remove log directory", "dir", path, "error", err)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("Removed expired log directories", "count", removed, "dir", c.baseDir)
	}
}
