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
	"time"
)

// MetricStore persists one time-stamped snapshot under a metric type.
// Snapshots are expected to expire via the store's retention.
type MetricStore interface {
	WriteMetric(ctx context.Context, metricType string, payload any) error
}

// MetricSource produces one snapshot per tick.
type MetricSource struct {
	Type    string
	Collect func() any
}

// Writer persists metric snapshots on a fixed cadence so the admin
// surface can render short-horizon history without Prometheus.
type Writer struct {
	store    MetricStore
	sources  []MetricSource
	interval time.Duration
	logger   *slog.Logger
}

func NewWriter(store MetricStore, sources []MetricSource, interval time.Duration, logger *slog.Logger) *Writer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:    store,
		sources:  sources,
		interval: interval,
		logger:   logger.With(slog.String("component", "metrics_writer")),
	}
}

// Run persists snapshots until ctx is cancelled. A failing write is
// logged and the loop continues; stale history beats a dead writer.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeAll(ctx)
		}
	}
}

func (w *Writer) writeAll(ctx context.Context) {
	for _, src := range w.sources {
		if err := w.store.WriteMetric(ctx, src.Type, src.Collect()); err != nil {
			w.logger.Warn("Metric snapshot write failed",
				"type", src.Type, "error", err)
		}
	}
}
