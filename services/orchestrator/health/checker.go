// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health runs the dependency prober, the metrics persistence
// loop, and the log retention sweeper.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// ringSize is the bounded per-service sample window.
	ringSize = 100

	uptimeWindow = 24 * time.Hour
)

var (
	probeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "health", Name: "probes_total",
		Help: "Probe results by service and outcome",
	}, []string{"service", "outcome"})
	probeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kodiak", Subsystem: "health", Name: "probe_seconds",
		Help:    "Probe round-trip time",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

// ProbeFunc checks one dependency. A nil error means healthy.
type ProbeFunc func(ctx context.Context) error

// Target is one registered dependency.
type Target struct {
	Name  string
	Probe ProbeFunc
}

// Sample is one probe observation.
type Sample struct {
	Healthy        bool
	ResponseTimeMs int64
	Error          string
	At             time.Time
}

// ring is the bounded sample window for one service.
type ring struct {
	samples [ringSize]Sample
	next    int
	count   int
}

func (r *ring) add(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

// uptime is healthy/total over samples inside the window.
func (r *ring) uptime(since time.Time) float64 {
	total, healthy := 0, 0
	for i := 0; i < r.count; i++ {
		s := r.samples[i]
		if s.At.Before(since) {
			continue
		}
		total++
		if s.Healthy {
			healthy++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(healthy) / float64(total)
}

func (r *ring) last() (Sample, bool) {
	if r.count == 0 {
		return Sample{}, false
	}
	idx := (r.next - 1 + ringSize) % ringSize
	return r.samples[idx], true
}

// ServiceHealth is the externally visible state of one dependency.
type ServiceHealth struct {
	Name             string  `json:"name"`
	Healthy          bool    `json:"healthy"`
	Uptime24h        float64 `json:"uptime_24h"`
	ConsecutiveFails int     `json:"consecutive_fails"`
	LastError        string  `json:"last_error,omitempty"`
	LastLatencyMs    int64   `json:"last_latency_ms"`
}

// AlertFunc receives alert and recovery notices.
type AlertFunc func(service, message string)

// Config tunes the checker; zero values take defaults.
type Config struct {
	Interval       time.Duration
	AlertThreshold int
	AlertCooldown  time.Duration
	ProbeTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
}

// Checker probes registered dependencies on an interval and drives the
// alert/recovery state machine.
type Checker struct {
	cfg    Config
	alert  AlertFunc
	logger *slog.Logger

	mu        sync.Mutex
	targets   []Target
	rings     map[string]*ring
	streak    map[string]int // consecutive unhealthy count
	lastAlert map[string]time.Time

	now func() time.Time
}

func NewChecker(cfg Config, alert AlertFunc, logger *slog.Logger) *Checker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if alert == nil {
		alert = func(string, string) {}
	}
	return &Checker{
		cfg:       cfg,
		alert:     alert,
		logger:    logger.With(slog.String("component", "health_checker")),
		rings:     make(map[string]*ring),
		streak:    make(map[string]int),
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RegisterTarget adds a dependency to the probe set.
func (c *Checker) RegisterTarget(name string, probe ProbeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, Target{Name: name, Probe: probe})
	c.rings[name] = &ring{}
}

// Run probes until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one pass over every target.
func (c *Checker) ProbeAll(ctx context.Context) {
	c.mu.Lock()
	targets := make([]Target, len(c.targets))
	copy(targets, c.targets)
	c.mu.Unlock()

	for _, t := range targets {
		c.probeOne(ctx, t)
	}
}

func (c *Checker) probeOne(ctx context.Context, t Target) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	start := c.now()
	err := t.Probe(pctx)
	cancel()
	elapsed := c.now().Sub(start)
	probeLatency.WithLabelValues(t.Name).Observe(elapsed.Seconds())

	sample := Sample{
		Healthy:        err == nil,
		ResponseTimeMs: elapsed.Milliseconds(),
		At:             c.now(),
	}
	if err != nil {
		sample.Error = err.Error()
		probeResults.WithLabelValues(t.Name, "unhealthy").Inc()
	} else {
		probeResults.WithLabelValues(t.Name, "healthy").Inc()
	}

	c.mu.Lock()
	r := c.rings[t.Name]
	r.add(sample)
	wasUnhealthy := c.streak[t.Name] > 0
	if sample.Healthy {
		c.streak[t.Name] = 0
	} else {
		c.streak[t.Name]++
	}
	streak := c.streak[t.Name]
	last := c.lastAlert[t.Name]
	shouldAlert := streak >= c.cfg.AlertThreshold && c.now().Sub(last) >= c.cfg.AlertCooldown
	if shouldAlert {
		c.lastAlert[t.Name] = c.now()
	}
	c.mu.Unlock()

	switch {
	case shouldAlert:
		c.logger.Error("Dependency unhealthy",
			"service", t.Name, "consecutive", streak, "error", sample.Error)
		c.alert(t.Name, sample.Error)
	case sample.Healthy && wasUnhealthy:
		c.logger.Info("Dependency recovered", "service", t.Name)
		c.alert(t.Name, "recovered")
	}
}

// Status snapshots every service's health.
func (c *Checker) Status() []ServiceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	since := c.now().Add(-uptimeWindow)
	out := make([]ServiceHealth, 0, len(c.targets))
	for _, t := range c.targets {
		r := c.rings[t.Name]
		sh := ServiceHealth{
			Name:             t.Name,
			Uptime24h:        r.uptime(since),
			ConsecutiveFails: c.streak[t.Name],
		}
		if last, ok := r.last(); ok {
			sh.Healthy = last.Healthy
			sh.LastError = last.Error
			sh.LastLatencyMs = last.ResponseTimeMs
		} else {
			sh.Healthy = true
		}
		out = append(out, sh)
	}
	return out
}

// Healthy reports whether every dependency's latest sample is healthy.
func (c *Checker) Healthy() bool {
	for _, sh := range c.Status() {
		if !sh.Healthy {
			return false
		}
	}
	return true
}
