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
	"github.com/google/uuid"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// ConversationStore persists threaded message history. Keys embed the
// nanosecond timestamp so Badger's lexicographic iteration yields
// chronological order for free.
type ConversationStore struct {
	db *DB
}

func NewConversationStore(db *DB) *ConversationStore {
	return &ConversationStore{db: db}
}

func convKey(threadID string, ts time.Time, messageID string) []byte {
	return []byte(fmt.Sprintf("conv/%s/%020d/%s", threadID, ts.UnixNano(), messageID))
}

func convPrefix(threadID string) []byte {
	return []byte("conv/" + threadID + "/")
}

// Append writes one message. A missing MessageID or Timestamp is filled
// in so callers can hand over partially built records.
func (s *ConversationStore) Append(ctx context.Context, msg *datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ThreadID == "" {
		return fmt.Errorf("append message: thread_id is required")
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, convKey(msg.ThreadID, msg.Timestamp, msg.MessageID), msg)
	})
}

// History returns the thread's messages oldest first. An unknown thread
// yields an empty slice, not an error.
func (s *ConversationStore) History(ctx context.Context, threadID string) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := convPrefix(threadID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}

// DeleteMessages removes the given messages from a thread. Used by
// summarization to drop compacted originals. Unknown IDs are ignored.
func (s *ConversationStore) DeleteMessages(ctx context.Context, threadID string, messageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		doomed[id] = true
	}
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := convPrefix(threadID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if doomed[msg.MessageID] {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteThread removes an entire thread's history.
func (s *ConversationStore) DeleteThread(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := convPrefix(threadID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
