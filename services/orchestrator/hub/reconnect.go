// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

const (
	pingInterval     = 30 * time.Second
	reconnectInitial = 5 * time.Second
	reconnectMax     = 60 * time.Second
)

// ReconnectingClient is the outbound side of the hub: a bridge process
// (e.g., the Discord bot) dials the orchestrator and must survive
// restarts. Queued work is unaffected by a drop; the queue holds request
// state, not the socket.
type ReconnectingClient struct {
	url     string
	handler func(datatypes.StreamEvent)
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewReconnectingClient(url string, handler func(datatypes.StreamEvent), logger *slog.Logger) *ReconnectingClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectingClient{
		url:     url,
		handler: handler,
		logger:  logger.With(slog.String("component", "ws_client")),
	}
}

// Run dials and re-dials until ctx is cancelled, with exponential
// backoff capped at 60s. Each successful connection resets the backoff.
func (c *ReconnectingClient) Run(ctx context.Context) {
	backoff := reconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("Dial failed, backing off",
				"url", c.url, "backoff", backoff.String(), "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		backoff = reconnectInitial
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.logger.Info("Connected", "url", c.url)

		c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

// serve reads events and keeps the heartbeat until the socket drops.
func (c *ReconnectingClient) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev datatypes.StreamEvent
			if err := conn.ReadJSON(&ev); err != nil {
				c.logger.Warn("Read failed, reconnecting", "error", err)
				return
			}
			if ev.Type == datatypes.EventPong {
				continue
			}
			c.handler(ev)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes one JSON message on the current connection.
func (c *ReconnectingClient) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return datatypes.Errorf(datatypes.KindBackendUnavailable, "not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(v)
}
