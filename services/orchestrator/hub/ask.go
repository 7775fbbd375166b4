// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// answerRouter holds one pending answer channel per request. A second
// question on the same request replaces (and drains) the first waiter.
type answerRouter struct {
	mu      sync.Mutex
	waiters map[string]chan string
}

func newAnswerRouter() *answerRouter {
	return &answerRouter{waiters: make(map[string]chan string)}
}

func (r *answerRouter) register(requestID string) chan string {
	ch := make(chan string, 1)
	r.mu.Lock()
	if prev, ok := r.waiters[requestID]; ok {
		close(prev)
	}
	r.waiters[requestID] = ch
	r.mu.Unlock()
	return ch
}

func (r *answerRouter) remove(requestID string, ch chan string) {
	r.mu.Lock()
	if r.waiters[requestID] == ch {
		delete(r.waiters, requestID)
	}
	r.mu.Unlock()
}

// deliver hands the answer to the waiter; false when nobody is waiting.
func (r *answerRouter) deliver(requestID, answer string) bool {
	r.mu.Lock()
	ch, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	close(ch)
	return true
}

// drain closes a pending waiter without an answer (cancellation,
// terminal event).
func (r *answerRouter) drain(requestID string) {
	r.mu.Lock()
	ch, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Ask implements the tool-side contract: deliver the question to the
// submitting client and block until an answer, the timeout, or
// cancellation. A closed waiter (drained by cancellation or a replaced
// question) reports as cancelled.
func (h *Hub) Ask(ctx context.Context, requestID, question string, options []string, timeout time.Duration) (string, error) {
	clientID, ok := h.clientFor(requestID)
	if !ok || !h.IsConnected(clientID) {
		return "", datatypes.Errorf(datatypes.KindToolError,
			"no connected client for request %s", requestID)
	}

	ch := h.answers.register(requestID)
	defer h.answers.remove(requestID, ch)

	ev := datatypes.NewEvent(datatypes.EventUserQuestion, requestID)
	ev.Question = question
	ev.Options = options
	ev.Timeout = int(timeout.Seconds())
	h.Send(clientID, ev)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case answer, open := <-ch:
		if !open {
			return "", datatypes.ErrCancelled
		}
		return answer, nil
	case <-timer.C:
		return "", datatypes.Errorf(datatypes.KindAskUserTimeout,
			"no answer within %s", timeout)
	case <-ctx.Done():
		return "", datatypes.ErrCancelled
	}
}

// DeliverAnswer routes a client's answer to the waiting ask_user tool.
// False when no waiter exists (late or duplicate answer).
func (h *Hub) DeliverAnswer(ans datatypes.UserAnswer) bool {
	return h.answers.deliver(ans.RequestID, ans.Answer)
}
