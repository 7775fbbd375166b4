// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub owns client connections: the registry, event fan-out,
// status indicator animation, ask_user answer plumbing, and the outbound
// reconnecting client used by bot bridges.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const (
	writeDeadline = 10 * time.Second

	// sendBuffer bounds the per-connection outbound queue; a client that
	// cannot keep up gets dropped rather than backing up workers.
	sendBuffer = 256

	// eventsPerSecond rate-limits a single connection's outbound stream.
	eventsPerSecond = 200
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kodiak", Subsystem: "hub", Name: "connections",
		Help: "Connected WebSocket clients",
	})
	droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kodiak", Subsystem: "hub", Name: "dropped_events_total",
		Help: "Events dropped due to slow or dead client connections",
	})
)

// Connection is one registered client. The writer pump owns the socket;
// everything else goes through the send channel.
type Connection struct {
	ClientID string
	conn     *websocket.Conn
	send     chan datatypes.StreamEvent
	limiter  *rate.Limiter
	closed   chan struct{}
	once     sync.Once
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Hub is the connection registry. Sends never happen under the registry
// lock; the lock protects only map lookups and mutation.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	requests map[string]string // request id → client id

	animator *statusAnimator
	answers  *answerRouter
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		conns:    make(map[string]*Connection),
		requests: make(map[string]string),
		logger:   logger.With(slog.String("component", "session_hub")),
	}
	h.animator = newStatusAnimator(h)
	h.answers = newAnswerRouter()
	return h
}

// Register adopts a websocket connection for a client and starts its
// writer pump. An existing connection for the same client is replaced.
func (h *Hub) Register(clientID string, ws *websocket.Conn) *Connection {
	c := &Connection{
		ClientID: clientID,
		conn:     ws,
		send:     make(chan datatypes.StreamEvent, sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conns[clientID]
	h.conns[clientID] = c
	h.mu.Unlock()
	if old != nil {
		old.close()
	}
	connectionsGauge.Set(float64(h.CountConnections()))

	go h.writePump(c)
	h.logger.Info("Client connected", "client_id", clientID)
	return c
}

// Unregister drops a connection if it is still the current one for the
// client.
func (h *Hub) Unregister(clientID string, c *Connection) {
	h.mu.Lock()
	if h.conns[clientID] == c {
		delete(h.conns, clientID)
	}
	h.mu.Unlock()
	c.close()
	connectionsGauge.Set(float64(h.CountConnections()))
	h.logger.Info("Client disconnected", "client_id", clientID)
}

// IsConnected reports whether the client has a live connection.
func (h *Hub) IsConnected(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[clientID]
	return ok
}

// CountConnections returns the number of live connections.
func (h *Hub) CountConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues an event for one client. Terminal events also release the
// request→client binding. Slow clients lose events rather than blocking
// the caller.
func (h *Hub) Send(clientID string, ev datatypes.StreamEvent) {
	switch ev.Type {
	case datatypes.EventResult, datatypes.EventFailed, datatypes.EventCancelled:
		h.UntrackRequest(ev.RequestID)
	}

	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- ev:
	default:
		droppedEvents.Inc()
		h.logger.Warn("Dropping event for slow client",
			"client_id", clientID, "event", string(ev.Type))
	}
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(ev datatypes.StreamEvent) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Send(id, ev)
	}
}

// TrackRequest binds a request to the client that submitted it, so
// ask_user questions and terminal events can find their way back.
func (h *Hub) TrackRequest(requestID, clientID string) {
	h.mu.Lock()
	h.requests[requestID] = clientID
	h.mu.Unlock()
}

// UntrackRequest releases the binding and drains any pending answer
// waiter.
func (h *Hub) UntrackRequest(requestID string) {
	h.mu.Lock()
	delete(h.requests, requestID)
	h.mu.Unlock()
	h.answers.drain(requestID)
}

func (h *Hub) clientFor(requestID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.requests[requestID]
	return id, ok
}

// writePump serializes all writes for one connection and applies the
// write deadline and rate limit.
func (h *Hub) writePump(c *Connection) {
	defer h.Unregister(c.ClientID, c)
	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.send:
			if !c.limiter.Allow() {
				// Token events are droppable under pressure; everything
				// else waits for a token.
				if ev.Type == datatypes.EventToken {
					droppedEvents.Inc()
					continue
				}
				if err := c.limiter.Wait(context.Background()); err != nil {
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Write failed, dropping connection",
					"client_id", c.ClientID, "error", err)
				return
			}
		}
	}
}
