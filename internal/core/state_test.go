package core

import "testing"

func TestParseState(t *testing.T) {
	for _, st := range AllStates() {
		got, err := ParseState(st.String())
		if err != nil {
			t.Fatalf("ParseState(%q): %v", st, err)
		}
		if got != st {
			t.Errorf("ParseState(%q) = %q", st, got)
		}
	}
	if _, err := ParseState("crashed"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateStarted, true},
		{StateIdle, StateClientRegistered, false},
		{StateStarted, StateClientRegistered, true},
		{StateStarted, StateDumpInProgress, false},
		{StateClientRegistered, StateDumpInProgress, true},
		{StateClientRegistered, StateClientExited, true},
		{StateDumpInProgress, StateClientExited, true},
		{StateDumpInProgress, StateClientRegistered, false},
		{StateClientExited, StateClientRegistered, true},
		{StateStopped, StateStarted, false},
		{StateDumpInProgress, StateStopped, true},
		{StateIdle, StateStopped, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateStarted.AcceptsClient() || !StateClientExited.AcceptsClient() {
		t.Error("started and client_exited should accept a client")
	}
	if StateClientRegistered.AcceptsClient() || StateIdle.AcceptsClient() {
		t.Error("client_registered and idle should not accept a client")
	}
	if !StateDumpInProgress.HasClient() || StateClientExited.HasClient() {
		t.Error("HasClient mismatch")
	}
	if StateIdle.Running() || StateStopped.Running() || !StateStarted.Running() {
		t.Error("Running mismatch")
	}
}
