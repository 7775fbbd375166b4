// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// UserRole gates admin-only surfaces.
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleStandard UserRole = "standard"
)

// UserPreferences are the stored per-user generation defaults. All fields
// are optional; nil/empty means "defer to routing".
type UserPreferences struct {
	PreferredModel  string   `json:"preferred_model,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	ThinkingEnabled *bool    `json:"thinking_enabled,omitempty"`
	BasePrompt      string   `json:"base_prompt,omitempty"`

	// SummarizeThresholdTokens overrides the default conversation
	// compaction trigger (~9000 tokens) when > 0.
	SummarizeThresholdTokens int `json:"summarize_threshold_tokens,omitempty"`
}

// User is the orchestrator's account record.
type User struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Role        UserRole        `json:"role"`
	Tier        Tier            `json:"tier"`
	Preferences UserPreferences `json:"preferences"`

	WeeklyTokenBudget  int `json:"weekly_token_budget"`
	BonusTokens        int `json:"bonus_tokens"`
	TokensUsedThisWeek int `json:"tokens_used_this_week"`

	// WeekStart is the Monday 00:00 UTC the current counters belong to.
	WeekStart time.Time `json:"week_start"`

	Banned    bool      `json:"banned,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokensRemaining is the invariant-bearing computation; it never goes
// negative because SpendTokens clamps.
func (u *User) TokensRemaining() int {
	r := u.WeeklyTokenBudget + u.BonusTokens - u.TokensUsedThisWeek
	if r < 0 {
		return 0
	}
	return r
}

// MondayUTC returns the Monday 00:00 UTC on or before t.
func MondayUTC(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0
	return day.AddDate(0, 0, -offset)
}

// RolloverIfStale resets weekly counters when t has crossed into a new
// Monday-UTC week. Returns true when a reset happened.
func (u *User) RolloverIfStale(t time.Time) bool {
	week := MondayUTC(t)
	if !week.After(u.WeekStart) {
		return false
	}
	u.WeekStart = week
	u.TokensUsedThisWeek = 0
	return true
}

// SpendTokens records usage, clamping at the budget floor.
func (u *User) SpendTokens(n int) {
	if n < 0 {
		return
	}
	u.TokensUsedThisWeek += n
	max := u.WeeklyTokenBudget + u.BonusTokens
	if u.TokensUsedThisWeek > max {
		u.TokensUsedThisWeek = max
	}
}

// AuthMethod links one external identity to a user. (provider,
// provider_user_id) is unique across the store.
type AuthMethod struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"provider_user_id"`
	UserID         string `json:"user_id"`

	// Credentials is an opaque blob owned by the auth collaborator.
	Credentials []byte `json:"credentials,omitempty"`

	IsPrimary  bool `json:"is_primary"`
	IsVerified bool `json:"is_verified"`
}
