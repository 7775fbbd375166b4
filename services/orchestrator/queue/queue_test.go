// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

func newTestQueue(cfg Config) *Queue {
	return New(cfg, nil)
}

func req(tier datatypes.Tier) *datatypes.QueuedRequest {
	return &datatypes.QueuedRequest{UserID: "u1", ThreadID: "t1", Message: "hi", Tier: tier}
}

func TestEnqueue_RejectsWhenFull(t *testing.T) {
	q := newTestQueue(Config{MaxSize: 2})
	_, err := q.Enqueue(req(datatypes.TierStandard))
	require.NoError(t, err)
	_, err = q.Enqueue(req(datatypes.TierStandard))
	require.NoError(t, err)

	_, err = q.Enqueue(req(datatypes.TierStandard))
	require.Error(t, err)
	assert.True(t, datatypes.IsKind(err, datatypes.KindQueueFull))
	assert.True(t, q.IsFull())
}

func TestDequeue_TierOrderThenFIFO(t *testing.T) {
	q := newTestQueue(Config{})
	s1, _ := q.Enqueue(req(datatypes.TierStandard))
	p1, _ := q.Enqueue(req(datatypes.TierPremium))
	s2, _ := q.Enqueue(req(datatypes.TierStandard))
	a1, _ := q.Enqueue(req(datatypes.TierAdmin))
	p2, _ := q.Enqueue(req(datatypes.TierPremium))

	var got []string
	for r := q.Dequeue(); r != nil; r = q.Dequeue() {
		got = append(got, r.RequestID)
	}
	assert.Equal(t, []string{a1, p1, p2, s1, s2}, got)
}

func TestStatus_TracksLifecycle(t *testing.T) {
	q := newTestQueue(Config{})
	id, _ := q.Enqueue(req(datatypes.TierStandard))

	st, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, datatypes.StateQueued, st.State)
	assert.Equal(t, 1, st.Position)

	r := q.Dequeue()
	require.Equal(t, id, r.RequestID)
	st, _ = q.Status(id)
	assert.Equal(t, datatypes.StateProcessing, st.State)
	require.NotNil(t, st.StartedAt)

	q.MarkComplete(id, &datatypes.RequestResult{Text: "done"})
	st, _ = q.Status(id)
	assert.Equal(t, datatypes.StateCompleted, st.State)
	assert.Equal(t, "done", st.Result.Text)

	_, ok = q.Status("nope")
	assert.False(t, ok)
}

func TestMarkComplete_FirstTransitionWins(t *testing.T) {
	q := newTestQueue(Config{})
	id, _ := q.Enqueue(req(datatypes.TierStandard))
	q.Dequeue()

	assert.True(t, q.MarkComplete(id, &datatypes.RequestResult{Text: "a"}))
	assert.False(t, q.MarkComplete(id, &datatypes.RequestResult{Text: "b"}), "double completion is a no-op")
	retried, ok := q.MarkFailed(id, errors.New("late failure"))
	assert.False(t, retried)
	assert.False(t, ok, "fail after complete is a diagnostic no-op")

	st, _ := q.Status(id)
	assert.Equal(t, "a", st.Result.Text)
}

func TestMarkFailed_RetriesThenTerminal(t *testing.T) {
	q := newTestQueue(Config{MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	id, _ := q.Enqueue(req(datatypes.TierStandard))
	q.Dequeue()

	retried, ok := q.MarkFailed(id, errors.New("backend hiccup"))
	require.True(t, ok)
	assert.True(t, retried)

	// The retry lands back in the queue after the delay.
	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, 5*time.Millisecond)
	r := q.Dequeue()
	require.Equal(t, id, r.RequestID)
	assert.Equal(t, 1, r.Attempt)

	retried, ok = q.MarkFailed(id, errors.New("backend hiccup again"))
	require.True(t, ok)
	assert.False(t, retried, "retry budget exhausted")

	st, _ := q.Status(id)
	assert.Equal(t, datatypes.StateFailed, st.State)
	assert.Contains(t, st.Error, "hiccup")
}

func TestMarkFailed_CancelledNeverRetries(t *testing.T) {
	q := newTestQueue(Config{MaxRetries: 3})
	id, _ := q.Enqueue(req(datatypes.TierStandard))
	q.Dequeue()

	retried, ok := q.MarkFailed(id, datatypes.ErrCancelled)
	require.True(t, ok)
	assert.False(t, retried)

	st, _ := q.Status(id)
	assert.True(t, st.Cancelled)
}

func TestCancel_QueuedOnly(t *testing.T) {
	q := newTestQueue(Config{})
	id, _ := q.Enqueue(req(datatypes.TierStandard))

	assert.True(t, q.Cancel(id))
	assert.Equal(t, 0, q.Size())
	st, _ := q.Status(id)
	assert.Equal(t, datatypes.StateFailed, st.State)
	assert.True(t, st.Cancelled)

	// Already processing: not cancellable through the queue.
	id2, _ := q.Enqueue(req(datatypes.TierStandard))
	q.Dequeue()
	assert.False(t, q.Cancel(id2))
}

func TestVisibilityMonitor_ReclaimsStuckRequests(t *testing.T) {
	q := newTestQueue(Config{
		VisibilityTimeout: 20 * time.Millisecond,
		CheckInterval:     10 * time.Millisecond,
		MaxRetries:        1,
		RetryDelay:        5 * time.Millisecond,
	})
	q.StartMonitor()
	defer q.Stop()

	id, _ := q.Enqueue(req(datatypes.TierStandard))
	q.Dequeue()
	// Simulate a worker that never reports back.

	require.Eventually(t, func() bool {
		st, ok := q.Status(id)
		return ok && st.State == datatypes.StateQueued && st.Attempt == 1
	}, time.Second, 5*time.Millisecond, "reclaimed request should be requeued with attempt bumped")
}

func TestPurge_DropsQueuedOnly(t *testing.T) {
	q := newTestQueue(Config{})
	q.Enqueue(req(datatypes.TierStandard))
	q.Enqueue(req(datatypes.TierPremium))
	inflight, _ := q.Enqueue(req(datatypes.TierAdmin))
	q.Dequeue() // admin goes in-flight

	assert.Equal(t, 2, q.Purge())
	assert.Equal(t, 0, q.Size())
	st, _ := q.Status(inflight)
	assert.Equal(t, datatypes.StateProcessing, st.State)
}

func TestRetention_TrimsOldestTerminal(t *testing.T) {
	q := newTestQueue(Config{Retention: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := q.Enqueue(req(datatypes.TierStandard))
		q.Dequeue()
		q.MarkComplete(id, &datatypes.RequestResult{Text: fmt.Sprintf("r%d", i)})
		ids = append(ids, id)
	}
	_, ok := q.Status(ids[0])
	assert.False(t, ok, "oldest terminal record trimmed")
	_, ok = q.Status(ids[2])
	assert.True(t, ok)
}

func TestPool_ProcessesAndSurvivesPanic(t *testing.T) {
	q := newTestQueue(Config{MaxRetries: -1}) // no retries
	reg := NewCancelRegistry()

	var mu sync.Mutex
	seen := map[string]bool{}
	handler := func(ctx context.Context, r *datatypes.QueuedRequest) (*datatypes.RequestResult, error) {
		mu.Lock()
		seen[r.RequestID] = true
		mu.Unlock()
		if r.Message == "boom" {
			panic("handler exploded")
		}
		return &datatypes.RequestResult{Text: "ok"}, nil
	}

	pool := NewPool(q, reg, handler, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- pool.Run(ctx) }()

	good, _ := q.Enqueue(req(datatypes.TierStandard))
	bad := req(datatypes.TierStandard)
	bad.Message = "boom"
	badID, _ := q.Enqueue(bad)
	good2, _ := q.Enqueue(req(datatypes.TierStandard))

	require.Eventually(t, func() bool {
		for _, id := range []string{good, badID, good2} {
			st, ok := q.Status(id)
			if !ok || (st.State != datatypes.StateCompleted && st.State != datatypes.StateFailed) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	st, _ := q.Status(badID)
	assert.Equal(t, datatypes.StateFailed, st.State)
	st, _ = q.Status(good)
	assert.Equal(t, datatypes.StateCompleted, st.State)
	st, _ = q.Status(good2)
	assert.Equal(t, datatypes.StateCompleted, st.State)

	cancel()
	require.NoError(t, <-doneCh)
}

func TestPool_CancelInFlight(t *testing.T) {
	q := newTestQueue(Config{MaxRetries: 3})
	reg := NewCancelRegistry()

	started := make(chan string, 1)
	handler := func(ctx context.Context, r *datatypes.QueuedRequest) (*datatypes.RequestResult, error) {
		started <- r.RequestID
		<-ctx.Done()
		return nil, ctx.Err()
	}

	pool := NewPool(q, reg, handler, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	id, _ := q.Enqueue(req(datatypes.TierStandard))
	require.Equal(t, id, <-started)
	require.True(t, reg.Cancel(id))

	require.Eventually(t, func() bool {
		st, ok := q.Status(id)
		return ok && st.State == datatypes.StateFailed && st.Cancelled
	}, 2*time.Second, 10*time.Millisecond, "cancelled request must land terminal without retry")
}

func TestSize_AtomicReadMatchesContents(t *testing.T) {
	q := newTestQueue(Config{})
	for i := 0; i < 5; i++ {
		q.Enqueue(req(datatypes.TierStandard))
	}
	assert.Equal(t, 5, q.Size())
	q.Dequeue()
	assert.Equal(t, 4, q.Size())
	assert.Equal(t, 1, q.InFlight())
}
