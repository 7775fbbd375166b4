// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/hub"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin from the web UI; auth happens
	// at the message layer, not the origin check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// clientMessage is the inbound WebSocket frame. Everything a client can
// send arrives in this envelope.
type clientMessage struct {
	Type      string `json:"type"` // "message" | "answer" | "cancel" | "ping"
	RequestID string `json:"request_id,omitempty"`
	Answer    string `json:"answer,omitempty"`

	// "message" frames
	ThreadID  string              `json:"thread_id,omitempty"`
	ChannelID string              `json:"channel_id,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	Message   string              `json:"message,omitempty"`
	FileRefs  []datatypes.FileRef `json:"file_refs,omitempty"`
}

// ChatWebSocket serves GET /v1/ws/chat?interface={web|discord|cli}&user_id=…&token=….
// The connection carries outbound stream events; inbound frames submit
// turns, answer ask_user questions, cancel requests, and ping. The token
// parameter is reserved for deployments fronted by an auth layer.
func ChatWebSocket(h *hub.Hub, q *queue.Queue, cancels *queue.CancelRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
			return
		}
		iface := c.Query("interface")

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "user", userID, "error", err)
			return
		}
		clientID := userID
		conn := h.Register(clientID, ws)

		ev := datatypes.NewEvent(datatypes.EventSessionStart, "")
		ev.SessionID = clientID
		h.Send(clientID, ev)

		defer h.Unregister(clientID, conn)
		for {
			var msg clientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case "message":
				submitFromSocket(h, q, clientID, userID, iface, &msg)
			case "answer":
				if !h.DeliverAnswer(datatypes.UserAnswer{RequestID: msg.RequestID, Answer: msg.Answer}) {
					slog.Debug("Answer with no waiter", "request", msg.RequestID)
				}
			case "cancel":
				if !q.Cancel(msg.RequestID) && cancels != nil {
					cancels.Cancel(msg.RequestID)
				}
			case "ping":
				h.Send(clientID, datatypes.NewEvent(datatypes.EventPong, ""))
			default:
				slog.Debug("Unknown client message type", "type", msg.Type, "client", clientID)
			}
		}
	}
}

// submitFromSocket enqueues one turn received over the socket and
// answers with a queued event, or a failed event when admission was
// refused.
func submitFromSocket(h *hub.Hub, q *queue.Queue, clientID, userID, iface string, msg *clientMessage) {
	if msg.Message == "" {
		ev := datatypes.NewEvent(datatypes.EventFailed, "")
		ev.Error = "message is required"
		h.Send(clientID, ev)
		return
	}

	req := MessageRequest{
		ClientID:  clientID,
		UserID:    userID,
		ThreadID:  msg.ThreadID,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Message:   msg.Message,
		FileRefs:  msg.FileRefs,
		Interface: iface,
	}
	queued := req.toQueued()
	id, err := q.Enqueue(queued)
	if err != nil {
		ev := datatypes.NewEvent(datatypes.EventFailed, "")
		if errors.Is(err, datatypes.ErrQueueFull) {
			ev.Error = "queue is full, try again shortly"
		} else {
			slog.Error("Socket enqueue failed", "client", clientID, "error", err)
			ev.Error = "enqueue failed"
		}
		h.Send(clientID, ev)
		return
	}
	h.TrackRequest(id, clientID)

	ack := datatypes.NewEvent(datatypes.EventQueued, id)
	if st, ok := q.Status(id); ok {
		ack.Position = st.Position
	}
	h.Send(clientID, ack)
}
