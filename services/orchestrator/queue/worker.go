// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// Handler processes one dequeued request end to end. The context carries
// the per-request cancellation token; a handler must return promptly once
// it is cancelled.
type Handler func(ctx context.Context, req *datatypes.QueuedRequest) (*datatypes.RequestResult, error)

// CancelRegistry maps in-flight request ids to their cancel funcs so the
// DELETE /v1/cancel path and the WebSocket hub can abort processing work.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

// Register derives a cancellable context for the request and records its
// cancel func under the request id.
func (c *CancelRegistry) Register(ctx context.Context, requestID string) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[requestID] = cancel
	c.mu.Unlock()
	return reqCtx, func() {
		c.mu.Lock()
		delete(c.cancels, requestID)
		c.mu.Unlock()
		cancel()
	}
}

// Cancel aborts an in-flight request. False when the id is not in flight.
func (c *CancelRegistry) Cancel(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight lists the request ids currently registered.
func (c *CancelRegistry) InFlight() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.cancels))
	for id := range c.cancels {
		ids = append(ids, id)
	}
	return ids
}

// Pool drains the queue with a fixed set of workers. Each worker polls,
// runs the handler under a per-request cancellable context, and records
// the outcome. A panicking handler fails only its own request.
type Pool struct {
	queue    *Queue
	handler  Handler
	registry *CancelRegistry
	workers  int
	poll     time.Duration
	logger   *slog.Logger
}

// NewPool builds a worker pool; workers <= 0 defaults to 2.
func NewPool(q *Queue, registry *CancelRegistry, handler Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:    q,
		handler:  handler,
		registry: registry,
		workers:  workers,
		poll:     250 * time.Millisecond,
		logger:   logger.With(slog.String("component", "worker_pool")),
	}
}

// Run blocks until ctx is done, then waits for in-flight handlers to
// return before exiting.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			req := p.queue.Dequeue()
			if req == nil {
				break
			}
			p.process(ctx, worker, req)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, worker int, req *datatypes.QueuedRequest) {
	reqCtx, done := p.registry.Register(ctx, req.RequestID)
	defer done()

	start := time.Now()
	result, err := p.runSafely(reqCtx, req)

	switch {
	case err == nil:
		p.queue.MarkComplete(req.RequestID, result)
		p.logger.Info("Request completed",
			"request_id", req.RequestID, "worker", worker,
			"duration_ms", time.Since(start).Milliseconds())
	case reqCtx.Err() != nil && ctx.Err() == nil:
		// The per-request token fired, not the pool shutdown.
		p.queue.MarkFailed(req.RequestID, datatypes.ErrCancelled)
		p.logger.Info("Request cancelled mid-flight", "request_id", req.RequestID)
	default:
		retried, _ := p.queue.MarkFailed(req.RequestID, err)
		p.logger.Warn("Request failed",
			"request_id", req.RequestID, "worker", worker,
			"retried", retried, "error", err)
	}
}

// runSafely converts a handler panic into an error so one bad request
// cannot take down the pool.
func (p *Pool) runSafely(ctx context.Context, req *datatypes.QueuedRequest) (result *datatypes.RequestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panic",
				"request_id", req.RequestID, "panic", r,
				"stack", string(debug.Stack()))
			err = datatypes.NewError(datatypes.KindToolError,
				fmt.Sprintf("internal error processing request %s", req.RequestID), nil)
		}
	}()
	return p.handler(ctx, req)
}
