// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultMetricRetention bounds how long persisted snapshots live.
// Badger's entry TTL does the expiry; no sweeper needed.
const DefaultMetricRetention = 24 * time.Hour

// MetricSnapshot is one persisted observation.
type MetricSnapshot struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// MetricStore persists short-horizon metric history for the admin
// surface. Implements the health package's MetricStore contract.
type MetricStore struct {
	db        *DB
	retention time.Duration
}

func NewMetricStore(db *DB, retention time.Duration) *MetricStore {
	if retention <= 0 {
		retention = DefaultMetricRetention
	}
	return &MetricStore{db: db, retention: retention}
}

func metricKey(metricType string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("metric/%s/%020d", metricType, ts.UnixNano()))
}

func metricPrefix(metricType string) []byte {
	return []byte("metric/" + metricType + "/")
}

// WriteMetric persists one snapshot with the store's retention TTL.
func (s *MetricStore) WriteMetric(ctx context.Context, metricType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal metric %s: %w", metricType, err)
	}
	snap := MetricSnapshot{Type: metricType, At: time.Now().UTC(), Payload: raw}
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", metricType, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(metricKey(metricType, snap.At), val).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
}

// ReadRecent returns up to limit snapshots of one type, newest first.
func (s *MetricStore) ReadRecent(ctx context.Context, metricType string, limit int) ([]MetricSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []MetricSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		prefix := metricPrefix(metricType)
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var snap MetricSnapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return err
			}
			out = append(out, snap)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
