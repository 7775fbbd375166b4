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
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// note is the stored shape behind the remember/recall tools.
type note struct {
	UserID  string    `json:"user_id"`
	Text    string    `json:"text"`
	SavedAt time.Time `json:"saved_at"`
}

// NoteStore is the per-user memory behind the remember/recall tools.
// Search is a case-insensitive substring scan, newest first; at this
// scale a real index would be overhead without payoff.
type NoteStore struct {
	db *DB
}

func NewNoteStore(db *DB) *NoteStore {
	return &NoteStore{db: db}
}

func noteKey(userID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("note/%s/%020d", userID, ts.UnixNano()))
}

func notePrefix(userID string) []byte {
	return []byte("note/" + userID + "/")
}

func (s *NoteStore) SaveNote(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" || strings.TrimSpace(text) == "" {
		return fmt.Errorf("save note: user_id and text are required")
	}
	n := note{UserID: userID, Text: text, SavedAt: time.Now().UTC()}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, noteKey(userID, n.SavedAt), &n)
	})
}

// SearchNotes returns up to limit matching notes, newest first. An
// empty query matches everything.
func (s *NoteStore) SearchNotes(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		prefix := notePrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration: seek past the prefix range, then walk back.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var n note
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}
			if needle != "" && !strings.Contains(strings.ToLower(n.Text), needle) {
				continue
			}
			out = append(out, n.Text)
			if len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}
