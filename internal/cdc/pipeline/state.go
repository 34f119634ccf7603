// Package pipeline runs a subscription: it polls rows, transcodes them and
// hands the records downstream, and owns the lifecycle of every resource the
// run acquires.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// State represents the run state of a controller.
type State int

const (
	// StateIdle indicates the controller has not been started.
	StateIdle State = iota
	// StateStarting indicates resources are being acquired.
	StateStarting
	// StateRunning indicates the polling loop is active.
	StateRunning
	// StateStopping indicates a stop was requested and the loop is winding down.
	StateStopping
	// StateStopped indicates every resource has been released. Terminal.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// StateMachine manages run state transitions.
type StateMachine struct {
	mu        sync.RWMutex
	state     State
	listeners []StateChangeListener
}

// StateChangeListener is called when state changes.
type StateChangeListener func(from, to State)

// NewStateMachine creates a new state machine starting in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		state: StateIdle,
	}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Transition attempts to transition to the target state.
// Returns an error wrapping cdc.ErrInvalidTransition if it is not allowed.
func (sm *StateMachine) Transition(target State) error {
	sm.mu.Lock()

	if !sm.canTransition(target) {
		from := sm.state
		sm.mu.Unlock()
		return fmt.Errorf("%w: from %s to %s", cdc.ErrInvalidTransition, from, target)
	}

	from := sm.state
	sm.state = target

	listeners := make([]StateChangeListener, len(sm.listeners))
	copy(listeners, sm.listeners)

	// Listeners run without the lock held.
	sm.mu.Unlock()

	for _, listener := range listeners {
		listener(from, target)
	}

	return nil
}

// canTransition checks if a transition to target is valid.
// Must be called with lock held.
func (sm *StateMachine) canTransition(target State) bool {
	for _, s := range validTransitions[sm.state] {
		if s == target {
			return true
		}
	}
	return false
}

// AddListener adds a state change listener.
func (sm *StateMachine) AddListener(listener StateChangeListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// IsRunning returns true if the loop is active.
func (sm *StateMachine) IsRunning() bool {
	return sm.State() == StateRunning
}

// IsTerminal returns true once the controller has stopped.
func (sm *StateMachine) IsTerminal() bool {
	return sm.State() == StateStopped
}
