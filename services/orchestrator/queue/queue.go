// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the bounded, tier-aware request FIFO with
// visibility-timeout semantics, retries, cancellation, and at-most-once
// completion, plus the worker pool that drains it.
package queue

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

var (
	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kodiak", Subsystem: "queue", Name: "depth",
		Help: "Requests currently queued",
	})
	queueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "queue", Name: "outcomes_total",
		Help: "Terminal request outcomes",
	}, []string{"outcome"})
	visibilityReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "queue", Name: "visibility_reclaims_total",
		Help: "In-flight requests reclaimed by the visibility monitor",
	})
)

// Config holds the queue tunables; zero values take the defaults below.
type Config struct {
	MaxSize           int
	VisibilityTimeout time.Duration
	CheckInterval     time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	Retention         int
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 100
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 500
	}
}

// inflightEntry is a dequeued request plus its visibility deadline.
type inflightEntry struct {
	req       *datatypes.QueuedRequest
	deadline  time.Time
	startedAt time.Time
}

type terminalRecord struct {
	status datatypes.RequestStatus
}

// Queue is the bounded FIFO. The pending slices, in-flight map, and
// terminal maps are one logical unit guarded by a single mutex; size is
// additionally mirrored into an atomic so monitoring reads never take the
// lock.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[datatypes.Tier][]*datatypes.QueuedRequest
	inflight map[string]*inflightEntry
	terminal map[string]*terminalRecord
	order    []string // terminal ids, oldest first, for retention trimming

	size atomic.Int64
	stop chan struct{}
	once sync.Once
}

// New builds a queue and starts nothing; call StartMonitor to arm the
// visibility monitor.
func New(cfg Config, logger *slog.Logger) *Queue {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "request_queue")),
		pending:  make(map[datatypes.Tier][]*datatypes.QueuedRequest),
		inflight: make(map[string]*inflightEntry),
		terminal: make(map[string]*terminalRecord),
		stop:     make(chan struct{}),
	}
}

// tiersHighFirst is the admission order.
var tiersHighFirst = []datatypes.Tier{datatypes.TierAdmin, datatypes.TierPremium, datatypes.TierStandard}

// Enqueue admits a request, assigning a request id when absent.
// ErrQueueFull at capacity.
func (q *Queue) Enqueue(req *datatypes.QueuedRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pendingLenLocked() >= q.cfg.MaxSize {
		return "", datatypes.ErrQueueFull
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	q.pending[req.Tier] = append(q.pending[req.Tier], req)
	q.size.Store(int64(q.pendingLenLocked()))
	queueDepthGauge.Set(float64(q.pendingLenLocked()))
	q.logger.Info("Request enqueued",
		"request_id", req.RequestID, "tier", req.Tier.String(), "attempt", req.Attempt)
	return req.RequestID, nil
}

// Dequeue pops the next request (highest tier first, FIFO within a tier)
// and marks it in-flight with a visibility deadline. Nil when empty.
func (q *Queue) Dequeue() *datatypes.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tier := range tiersHighFirst {
		fifo := q.pending[tier]
		if len(fifo) == 0 {
			continue
		}
		req := fifo[0]
		q.pending[tier] = fifo[1:]
		now := time.Now()
		q.inflight[req.RequestID] = &inflightEntry{
			req:       req,
			deadline:  now.Add(q.cfg.VisibilityTimeout),
			startedAt: now,
		}
		q.size.Store(int64(q.pendingLenLocked()))
		queueDepthGauge.Set(float64(q.pendingLenLocked()))
		return req
	}
	return nil
}

// MarkComplete finishes an in-flight request. Calls for requests that are
// not in-flight (double completion, monitor race) are no-ops: whoever
// transitions the entry first wins.
func (q *Queue) MarkComplete(requestID string, result *datatypes.RequestResult) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[requestID]
	if !ok {
		return false
	}
	delete(q.inflight, requestID)
	now := time.Now()
	q.recordTerminalLocked(requestID, datatypes.RequestStatus{
		RequestID:  requestID,
		State:      datatypes.StateCompleted,
		Attempt:    entry.req.Attempt,
		EnqueuedAt: entry.req.EnqueuedAt,
		StartedAt:  &entry.startedAt,
		FinishedAt: &now,
		Result:     result,
	})
	queueOutcomes.WithLabelValues("completed").Inc()
	return true
}

// MarkFailed fails an in-flight request. If retries remain the request is
// re-enqueued after the retry delay and true is returned for retried.
// An unknown id is a diagnostic, not a normal flow: it is logged and
// (false, false) returned.
func (q *Queue) MarkFailed(requestID string, cause error) (retried, ok bool) {
	q.mu.Lock()
	entry, found := q.inflight[requestID]
	if !found {
		q.mu.Unlock()
		q.logger.Warn("MarkFailed for request not in flight",
			"request_id", requestID, "error", cause)
		return false, false
	}
	delete(q.inflight, requestID)
	entry.req.Attempt++

	if entry.req.Attempt <= q.cfg.MaxRetries && !datatypes.IsKind(cause, datatypes.KindCancelled) {
		req := entry.req
		q.mu.Unlock()
		q.logger.Info("Request will be retried",
			"request_id", requestID, "attempt", req.Attempt, "error", cause)
		time.AfterFunc(q.cfg.RetryDelay, func() {
			if _, err := q.Enqueue(req); err != nil {
				q.failTerminal(req, cause, false)
			}
		})
		return true, true
	}

	q.failTerminalLocked(entry.req, entry.startedAt, cause, datatypes.IsKind(cause, datatypes.KindCancelled))
	q.mu.Unlock()
	return false, true
}

// Cancel removes a queued request, transitioning it to failed with the
// cancelled marker. Processing requests are not cancellable through this
// API; the pipeline's cancellation token handles those.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for tier, fifo := range q.pending {
		for i, req := range fifo {
			if req.RequestID != requestID {
				continue
			}
			q.pending[tier] = append(fifo[:i:i], fifo[i+1:]...)
			q.size.Store(int64(q.pendingLenLocked()))
			queueDepthGauge.Set(float64(q.pendingLenLocked()))
			q.failTerminalLocked(req, time.Time{}, datatypes.ErrCancelled, true)
			return true
		}
	}
	return false
}

// Status reports the lifecycle state of a request, including queue
// position for queued entries. ok is false for unknown ids.
func (q *Queue) Status(requestID string) (datatypes.RequestStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	position := 0
	for _, tier := range tiersHighFirst {
		for _, req := range q.pending[tier] {
			position++
			if req.RequestID == requestID {
				return datatypes.RequestStatus{
					RequestID:  requestID,
					State:      datatypes.StateQueued,
					Position:   position,
					Attempt:    req.Attempt,
					EnqueuedAt: req.EnqueuedAt,
				}, true
			}
		}
	}
	if entry, ok := q.inflight[requestID]; ok {
		return datatypes.RequestStatus{
			RequestID:  requestID,
			State:      datatypes.StateProcessing,
			Attempt:    entry.req.Attempt,
			EnqueuedAt: entry.req.EnqueuedAt,
			StartedAt:  &entry.startedAt,
		}, true
	}
	if rec, ok := q.terminal[requestID]; ok {
		return rec.status, true
	}
	return datatypes.RequestStatus{}, false
}

// Size is a single atomic read; the monitoring SSE and workers both call
// it without touching the queue lock.
func (q *Queue) Size() int { return int(q.size.Load()) }

// IsFull reports whether the next Enqueue would reject.
func (q *Queue) IsFull() bool { return q.Size() >= q.cfg.MaxSize }

// InFlight returns the number of processing requests.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Stats is the admin snapshot.
type Stats struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	MaxSize   int `json:"max_size"`
}

// QueueStats summarizes queue state for the admin surface.
func (q *Queue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Queued: q.pendingLenLocked(), InFlight: len(q.inflight), MaxSize: q.cfg.MaxSize}
	for _, rec := range q.terminal {
		if rec.status.State == datatypes.StateCompleted {
			s.Completed++
		} else {
			s.Failed++
		}
	}
	return s
}

// Purge drops all queued (not in-flight) requests, failing each with a
// cancellation record. Returns the number purged.
func (q *Queue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for tier, fifo := range q.pending {
		for _, req := range fifo {
			q.failTerminalLocked(req, time.Time{}, datatypes.ErrCancelled, true)
			n++
		}
		q.pending[tier] = nil
	}
	q.size.Store(0)
	queueDepthGauge.Set(0)
	return n
}

// StartMonitor arms the visibility monitor, reclaiming in-flight entries
// whose deadline elapsed. A worker crash therefore cannot leak an entry.
func (q *Queue) StartMonitor() {
	go func() {
		ticker := time.NewTicker(q.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.reclaimExpired()
			case <-q.stop:
				return
			}
		}
	}()
}

// Stop halts the visibility monitor.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
}

func (q *Queue) reclaimExpired() {
	now := time.Now()
	q.mu.Lock()
	var expired []string
	for id, entry := range q.inflight {
		if now.After(entry.deadline) {
			expired = append(expired, id)
		}
	}
	q.mu.Unlock()

	for _, id := range expired {
		visibilityReclaims.Inc()
		q.logger.Warn("Visibility timeout, reclaiming request", "request_id", id)
		q.MarkFailed(id, datatypes.Errorf(datatypes.KindVisibilityTimeout,
			"request %s exceeded its visibility deadline", id))
	}
}

// --- internal helpers (caller holds the lock unless noted) ---

func (q *Queue) pendingLenLocked() int {
	n := 0
	for _, fifo := range q.pending {
		n += len(fifo)
	}
	return n
}

func (q *Queue) failTerminal(req *datatypes.QueuedRequest, cause error, cancelled bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failTerminalLocked(req, time.Time{}, cause, cancelled)
}

func (q *Queue) failTerminalLocked(req *datatypes.QueuedRequest, startedAt time.Time, cause error, cancelled bool) {
	now := time.Now()
	status := datatypes.RequestStatus{
		RequestID:  req.RequestID,
		State:      datatypes.StateFailed,
		Attempt:    req.Attempt,
		EnqueuedAt: req.EnqueuedAt,
		FinishedAt: &now,
		Cancelled:  cancelled,
	}
	if !startedAt.IsZero() {
		status.StartedAt = &startedAt
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	q.recordTerminalLocked(req.RequestID, status)
	if cancelled {
		queueOutcomes.WithLabelValues("cancelled").Inc()
	} else {
		queueOutcomes.WithLabelValues("failed").Inc()
	}
}

func (q *Queue) recordTerminalLocked(id string, status datatypes.RequestStatus) {
	if _, exists := q.terminal[id]; !exists {
		q.order = append(q.order, id)
	}
	q.terminal[id] = &terminalRecord{status: status}
	for len(q.order) > q.cfg.Retention {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.terminal, oldest)
	}
}
