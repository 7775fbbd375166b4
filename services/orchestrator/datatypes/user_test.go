// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"testing"
	"time"
)

func TestMondayUTC(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2025-06-09T00:00:00Z", "2025-06-09T00:00:00Z"}, // a Monday
		{"2025-06-11T15:30:00Z", "2025-06-09T00:00:00Z"}, // Wednesday
		{"2025-06-15T23:59:59Z", "2025-06-09T00:00:00Z"}, // Sunday
		{"2025-06-16T00:00:01Z", "2025-06-16T00:00:00Z"}, // next Monday
	}
	for _, c := range cases {
		in, _ := time.Parse(time.RFC3339, c.in)
		want, _ := time.Parse(time.RFC3339, c.want)
		if got := MondayUTC(in); !got.Equal(want) {
			t.Errorf("MondayUTC(%s) = %s, want %s", c.in, got, want)
		}
	}
}

func TestUser_RolloverIfStale(t *testing.T) {
	sun, _ := time.Parse(time.RFC3339, "2025-06-15T12:00:00Z")
	mon, _ := time.Parse(time.RFC3339, "2025-06-16T08:00:00Z")

	u := &User{WeeklyTokenBudget: 1000, TokensUsedThisWeek: 900, WeekStart: MondayUTC(sun)}

	if u.RolloverIfStale(sun) {
		t.Error("rollover should not fire within the same week")
	}
	if !u.RolloverIfStale(mon) {
		t.Error("rollover should fire on first request after Monday UTC")
	}
	if u.TokensUsedThisWeek != 0 {
		t.Errorf("counters not reset: %d", u.TokensUsedThisWeek)
	}
	if u.TokensRemaining() != 1000 {
		t.Errorf("TokensRemaining = %d, want 1000", u.TokensRemaining())
	}
}

func TestUser_SpendTokensClampsAtBudget(t *testing.T) {
	u := &User{WeeklyTokenBudget: 100, BonusTokens: 20}
	u.SpendTokens(500)
	if u.TokensRemaining() != 0 {
		t.Errorf("TokensRemaining = %d, want 0", u.TokensRemaining())
	}
}

func TestErrorKindUnwrapping(t *testing.T) {
	inner := NewError(KindBackendUnavailable, "ollama unreachable", errors.New("dial tcp"))
	wrapped := NewError(KindToolError, "run_code failed", inner)

	if !IsKind(wrapped, KindToolError) {
		t.Error("outer kind should win")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no kind")
	}
	if !errors.Is(ErrQueueFull, ErrQueueFull) {
		t.Error("sentinel identity broken")
	}
}
