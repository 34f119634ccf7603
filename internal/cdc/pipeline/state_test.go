package pipeline

import (
	"errors"
	"testing"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()
	if sm.State() != StateIdle {
		t.Errorf("expected initial state to be StateIdle, got %v", sm.State())
	}
}

func TestStateMachine_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"idle to starting", StateIdle, StateStarting},
		{"starting to running", StateStarting, StateRunning},
		{"starting to stopped", StateStarting, StateStopped},
		{"running to stopping", StateRunning, StateStopping},
		{"stopping to stopped", StateStopping, StateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &StateMachine{state: tt.from}
			if err := sm.Transition(tt.to); err != nil {
				t.Errorf("Transition() error = %v", err)
			}
			if sm.State() != tt.to {
				t.Errorf("expected state %v, got %v", tt.to, sm.State())
			}
		})
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
	}{
		{"idle to running", StateIdle, StateRunning},
		{"idle to stopped", StateIdle, StateStopped},
		{"starting to stopping", StateStarting, StateStopping},
		{"running to starting", StateRunning, StateStarting},
		{"running to stopped", StateRunning, StateStopped},
		{"stopping to running", StateStopping, StateRunning},
		{"stopped to starting", StateStopped, StateStarting},
		{"stopped to idle", StateStopped, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &StateMachine{state: tt.from}
			err := sm.Transition(tt.to)
			if !errors.Is(err, cdc.ErrInvalidTransition) {
				t.Errorf("Transition() error = %v, want ErrInvalidTransition", err)
			}
			if sm.State() != tt.from {
				t.Errorf("state changed to %v on invalid transition", sm.State())
			}
		})
	}
}

func TestStateMachine_Listener(t *testing.T) {
	sm := NewStateMachine()

	var fromState, toState State
	sm.AddListener(func(from, to State) {
		fromState = from
		toState = to
	})

	if err := sm.Transition(StateStarting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fromState != StateIdle {
		t.Errorf("expected listener fromState = StateIdle, got %v", fromState)
	}
	if toState != StateStarting {
		t.Errorf("expected listener toState = StateStarting, got %v", toState)
	}
}

func TestStateMachine_IsRunningAndTerminal(t *testing.T) {
	tests := []struct {
		state      State
		isRunning  bool
		isTerminal bool
	}{
		{StateIdle, false, false},
		{StateStarting, false, false},
		{StateRunning, true, false},
		{StateStopping, false, false},
		{StateStopped, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			sm := &StateMachine{state: tt.state}
			if got := sm.IsRunning(); got != tt.isRunning {
				t.Errorf("IsRunning() = %v, want %v", got, tt.isRunning)
			}
			if got := sm.IsTerminal(); got != tt.isTerminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.isTerminal)
			}
		})
	}
}
