// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package task

import "testing"

func TestValidTransition_TableMatchesStateMachine(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Queued, InProgress, true},
		{Queued, Cancelled, true},
		{Queued, Completed, false},
		{InProgress, AwaitingApproval, true},
		{InProgress, Completed, true},
		{InProgress, Failed, true},
		{InProgress, Cancelled, true},
		{InProgress, TimedOut, true},
		{InProgress, Queued, false},
		{AwaitingApproval, InProgress, true},
		{AwaitingApproval, Failed, true},
		{AwaitingApproval, Cancelled, true},
		{AwaitingApproval, Completed, false},
		{Completed, InProgress, false},
		{Failed, InProgress, false},
		{TimedOut, InProgress, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	terminal := []State{Completed, Failed, Cancelled, TimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	nonTerminal := []State{Queued, InProgress, AwaitingApproval}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Queued:           "queued",
		InProgress:       "in_progress",
		AwaitingApproval: "awaiting_approval",
		Completed:        "completed",
		Failed:           "failed",
		Cancelled:        "cancelled",
		TimedOut:         "timed_out",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
