// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hub

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// dotInterval is the animation cadence: 1 → 2 → 3 dots and around again.
const dotInterval = 1500 * time.Millisecond

// statusAnimator runs one animation goroutine per (client, channel)
// pair. Starting a new indicator replaces the previous one; streaming
// content stops it.
type statusAnimator struct {
	hub  *Hub
	mu   sync.Mutex
	stop map[string]chan struct{}
}

func newStatusAnimator(h *Hub) *statusAnimator {
	return &statusAnimator{hub: h, stop: make(map[string]chan struct{})}
}

func animKey(clientID, channelID string) string {
	return clientID + "\x00" + channelID
}

// StartStatus begins (or replaces) the indicator animation for a
// client/channel pair.
func (h *Hub) StartStatus(clientID, channelID, messageID string, kind datatypes.StatusKind, requestID string) {
	h.animator.start(clientID, channelID, kind, requestID)
	_ = messageID // carried in the event stream only by bridges that edit messages
}

// StopStatus cancels the indicator animation, if any.
func (h *Hub) StopStatus(clientID, channelID string) {
	h.animator.stopAnimation(clientID, channelID)
}

func (a *statusAnimator) start(clientID, channelID string, kind datatypes.StatusKind, requestID string) {
	key := animKey(clientID, channelID)
	done := make(chan struct{})

	a.mu.Lock()
	if prev, ok := a.stop[key]; ok {
		close(prev)
	}
	a.stop[key] = done
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(dotInterval)
		defer ticker.Stop()
		dots := 1
		a.emit(clientID, requestID, kind, dots)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				dots = dots%3 + 1
				a.emit(clientID, requestID, kind, dots)
			}
		}
	}()
}

func (a *statusAnimator) stopAnimation(clientID, channelID string) {
	key := animKey(clientID, channelID)
	a.mu.Lock()
	if done, ok := a.stop[key]; ok {
		close(done)
		delete(a.stop, key)
	}
	a.mu.Unlock()
}

// emit sends one frame: "*Thinking...*" style with 1-3 dots.
func (a *statusAnimator) emit(clientID, requestID string, kind datatypes.StatusKind, dots int) {
	ev := datatypes.NewEvent(datatypes.EventEarlyStatus, requestID)
	ev.Content = fmt.Sprintf("*%s%s*\n\n", kind.BaseText(), strings.Repeat(".", dots))
	a.hub.Send(clientID, ev)
}
