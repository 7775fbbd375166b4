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
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// UserStore persists account records and the auth-identity index that
// maps (provider, provider_user_id) pairs to accounts.
type UserStore struct {
	db *DB
}

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

func userKey(userID string) []byte {
	return []byte("user/" + userID)
}

func authKey(provider, providerUserID string) []byte {
	return []byte("auth/" + provider + "/" + providerUserID)
}

// GetUser fetches one account. Returns (nil, nil) for unknown users so
// callers can treat absence as "no account state".
func (s *UserStore) GetUser(ctx context.Context, userID string) (*datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &u)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveUser upserts an account record, stamping UpdatedAt.
func (s *UserStore) SaveUser(ctx context.Context, u *datatypes.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.UserID == "" {
		return fmt.Errorf("save user: user_id is required")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, userKey(u.UserID), u)
	})
}

// LinkAuth records one external identity for a user. The (provider,
// provider_user_id) pair is unique; relinking to a different user is an
// error so identities cannot be silently stolen.
func (s *UserStore) LinkAuth(ctx context.Context, m *datatypes.AuthMethod) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Provider == "" || m.ProviderUserID == "" || m.UserID == "" {
		return fmt.Errorf("link auth: provider, provider_user_id and user_id are required")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var existing datatypes.AuthMethod
		err := getJSON(txn, authKey(m.Provider, m.ProviderUserID), &existing)
		if err == nil && existing.UserID != m.UserID {
			return datatypes.Errorf(datatypes.KindForbidden,
				"identity %s/%s already linked to another user", m.Provider, m.ProviderUserID)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return setJSON(txn, authKey(m.Provider, m.ProviderUserID), m)
	})
}

// ResolveAuth maps an external identity to the owning account. Returns
// ErrNotFound for unknown identities.
func (s *UserStore) ResolveAuth(ctx context.Context, provider, providerUserID string) (*datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		var m datatypes.AuthMethod
		if err := getJSON(txn, authKey(provider, providerUserID), &m); err != nil {
			return err
		}
		return getJSON(txn, userKey(m.UserID), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every account, for the admin surface. Fine at the
// scale of a single deployment's user base.
func (s *UserStore) ListUsers(ctx context.Context) ([]datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("user/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var u datatypes.User
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &u)
			}); err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	return out, err
}

// GrantBonusTokens adds bonus tokens to an account and returns the
// updated record.
func (s *UserStore) GrantBonusTokens(ctx context.Context, userID string, amount int) (*datatypes.User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant tokens: amount must be positive")
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	u.BonusTokens += amount
	if err := s.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// SetBanned flips the ban flag and returns the updated record.
func (s *UserStore) SetBanned(ctx context.Context, userID string, banned bool) (*datatypes.User, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	u.Banned = banned
	if err := s.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
