// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the orchestrator's REST, WebSocket, and SSE
// surface on gin.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
)

// RequestTracker associates an in-flight request with the client that
// should receive its events. Satisfied by the hub.
type RequestTracker interface {
	TrackRequest(requestID, clientID string)
}

// MessageRequest is the submission body of POST /v1/message.
type MessageRequest struct {
	ClientID  string              `json:"client_id" binding:"required"`
	UserID    string              `json:"user_id"`
	ThreadID  string              `json:"thread_id"`
	ChannelID string              `json:"channel_id"`
	MessageID string              `json:"message_id"`
	BotID     string              `json:"bot_id"`
	Message   string              `json:"message" binding:"required"`
	Tier      string              `json:"tier"`
	Interface string              `json:"interface"`
	FileRefs  []datatypes.FileRef `json:"file_refs"`

	Model           string   `json:"model"`
	Temperature     *float32 `json:"temperature"`
	ThinkingEnabled *bool    `json:"thinking_enabled"`
}

// toQueued builds the queue record. A missing thread gets a fresh one so
// every turn lands in some conversation.
func (r *MessageRequest) toQueued() *datatypes.QueuedRequest {
	threadID := r.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	}
	iface := datatypes.ClientInterface(r.Interface)
	switch iface {
	case datatypes.InterfaceDiscord, datatypes.InterfaceCLI:
	default:
		iface = datatypes.InterfaceWeb
	}
	return &datatypes.QueuedRequest{
		BotID:           r.BotID,
		ClientID:        r.ClientID,
		UserID:          r.UserID,
		ThreadID:        threadID,
		ChannelID:       r.ChannelID,
		MessageID:       r.MessageID,
		Message:         r.Message,
		FileRefs:        r.FileRefs,
		Tier:            datatypes.ParseTier(r.Tier),
		Interface:       iface,
		Model:           r.Model,
		Temperature:     r.Temperature,
		ThinkingEnabled: r.ThinkingEnabled,
	}
}

// etaSecondsPerRequest is the rough per-turn estimate behind the queue
// ETA reported on submission.
const etaSecondsPerRequest = 15

// SubmitMessage enqueues one turn and returns 202 with the request id,
// queue position, and a rough ETA. A full queue maps to 429.
func SubmitMessage(q *queue.Queue, tracker RequestTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		queued := req.toQueued()
		id, err := q.Enqueue(queued)
		if err != nil {
			if errors.Is(err, datatypes.ErrQueueFull) {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue is full, try again shortly"})
				return
			}
			slog.Error("Enqueue failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		if tracker != nil {
			tracker.TrackRequest(id, queued.ClientID)
		}

		position := 0
		if st, ok := q.Status(id); ok {
			position = st.Position
		}
		c.JSON(http.StatusAccepted, gin.H{
			"request_id":     id,
			"thread_id":      queued.ThreadID,
			"status":         "queued",
			"queue_position": position,
			"eta_seconds":    position * etaSecondsPerRequest,
		})
	}
}

// RequestStatusHandler serves GET /v1/status/:id.
func RequestStatusHandler(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		st, ok := q.Status(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// CancelRequest serves DELETE /v1/cancel/:id. Queued requests are
// removed from the queue; processing requests get their worker context
// cancelled and the queue records the terminal state on the worker path.
func CancelRequest(q *queue.Queue, cancels *queue.CancelRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if q.Cancel(id) {
			c.JSON(http.StatusOK, gin.H{"request_id": id, "state": "cancelled"})
			return
		}
		if cancels != nil && cancels.Cancel(id) {
			c.JSON(http.StatusOK, gin.H{"request_id": id, "state": "cancelling"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "request is not queued or processing"})
	}
}
