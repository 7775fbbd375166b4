// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_UptimeAndLast(t *testing.T) {
	r := &ring{}
	now := time.Now()
	for i := 0; i < 10; i++ {
		r.add(Sample{Healthy: i%2 == 0, At: now})
	}
	assert.InDelta(t, 0.5, r.uptime(now.Add(-time.Hour)), 0.001)

	last, ok := r.last()
	require.True(t, ok)
	assert.False(t, last.Healthy) // i=9

	// Samples outside the window do not count.
	assert.Equal(t, 1.0, r.uptime(now.Add(time.Minute)))
}

func TestRing_Wraps(t *testing.T) {
	r := &ring{}
	now := time.Now()
	for i := 0; i < ringSize+50; i++ {
		r.add(Sample{Healthy: true, At: now})
	}
	assert.Equal(t, ringSize, r.count)
}

func TestChecker_AlertThresholdAndCooldown(t *testing.T) {
	var alerts []string
	c := NewChecker(Config{AlertThreshold: 3, AlertCooldown: time.Hour}, func(service, msg string) {
		alerts = append(alerts, service+":"+msg)
	}, nil)

	failing := errors.New("connection refused")
	c.RegisterTarget("ollama", func(context.Context) error { return failing })

	ctx := context.Background()
	c.ProbeAll(ctx)
	c.ProbeAll(ctx)
	assert.Empty(t, alerts, "below threshold")

	c.ProbeAll(ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ollama:connection refused", alerts[0])

	// Still failing, but inside the cooldown window.
	c.ProbeAll(ctx)
	c.ProbeAll(ctx)
	assert.Len(t, alerts, 1)
}

func TestChecker_RecoveryNotice(t *testing.T) {
	var alerts []string
	c := NewChecker(Config{AlertThreshold: 2}, func(service, msg string) {
		alerts = append(alerts, service+":"+msg)
	}, nil)

	healthy := false
	c.RegisterTarget("searxng", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("timeout")
	})

	ctx := context.Background()
	c.ProbeAll(ctx)
	c.ProbeAll(ctx)
	require.Len(t, alerts, 1)

	healthy = true
	c.ProbeAll(ctx)
	require.Len(t, alerts, 2)
	assert.Equal(t, "searxng:recovered", alerts[1])

	st := c.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Healthy)
	assert.Equal(t, 0, st[0].ConsecutiveFails)
	assert.True(t, c.Healthy())
}

func TestChecker_StatusUptime(t *testing.T) {
	c := NewChecker(Config{}, nil, nil)
	calls := 0
	c.RegisterTarget("brain", func(context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("boom")
		}
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c.ProbeAll(ctx)
	}
	st := c.Status()
	require.Len(t, st, 1)
	assert.InDelta(t, 0.8, st[0].Uptime24h, 0.001)
}

type fakeMetricStore struct {
	writes map[string]int
	err    error
}

func (f *fakeMetricStore) WriteMetric(_ context.Context, metricType string, _ any) error {
	if f.writes == nil {
		f.writes = make(map[string]int)
	}
	f.writes[metricType]++
	return f.err
}

func TestWriter_PersistsEverySource(t *testing.T) {
	store := &fakeMetricStore{}
	w := NewWriter(store, []MetricSource{
		{Type: "system", Collect: func() any { return map[string]int{"vram_mb": 9000} }},
		{Type: "health", Collect: func() any { return []ServiceHealth{} }},
	}, time.Second, nil)

	w.writeAll(context.Background())
	w.writeAll(context.Background())
	assert.Equal(t, 2, store.writes["system"])
	assert.Equal(t, 2, store.writes["health"])
}

func TestWriter_ContinuesOnWriteFailure(t *testing.T) {
	store := &fakeMetricStore{err: errors.New("db closed")}
	w := NewWriter(store, []MetricSource{
		{Type: "system", Collect: func() any { return nil }},
	}, time.Second, nil)
	w.writeAll(context.Background()) // must not panic
	assert.Equal(t, 1, store.writes["system"])
}

func TestLogCleaner_RemovesOnlyExpiredDateDirs(t *testing.T) {
	base := t.TempDir()
	old := time.Now().AddDate(0, 0, -30).Format(logDateLayout)
	fresh := time.Now().Format(logDateLayout)
	for _, name := range []string{old, fresh, "not-a-date"} {
		require.NoError(t, os.MkdirAll(filepath.Join(base, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "server.log"), []byte("x"), 0o644))

	c := NewLogCleaner(base, 14, nil)
	c.Sweep()

	assert.NoDirExists(t, filepath.Join(base, old))
	assert.DirExists(t, filepath.Join(base, fresh))
	assert.DirExists(t, filepath.Join(base, "not-a-date"))
	assert.FileExists(t, filepath.Join(base, "server.log"))
}

func TestLogCleaner_MissingBaseDir(t *testing.T) {
	c := NewLogCleaner(filepath.Join(t.TempDir(), "absent"), 14, nil)
	c.Sweep() // no panic, no error surfaced
}
