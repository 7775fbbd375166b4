// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak",
		Subsystem: "vram",
		Name:      "model_loads_total",
		Help:      "Model load attempts by backend and outcome",
	}, []string{"backend", "outcome"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak",
		Subsystem: "vram",
		Name:      "evictions_total",
		Help:      "Model evictions by trigger (admission, emergency)",
	}, []string{"trigger"})

	crashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak",
		Subsystem: "vram",
		Name:      "model_crashes_total",
		Help:      "Recorded model crashes by model",
	}, []string{"model"})

	fallbackTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kodiak",
		Subsystem: "vram",
		Name:      "profile_fallback_trips_total",
		Help:      "Circuit-breaker profile fallback activations",
	})

	modelUsageGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kodiak",
		Subsystem: "vram",
		Name:      "model_usage_gb",
		Help:      "Sum of registered non-external model sizes in GB",
	})
)
