package agentloop

import (
	"fmt"
	"sync"
)

// State is a phase of the agent loop.
type State string

const (
	StateIdle               State = "idle"
	StateThinking           State = "thinking"
	StatePlanningTool       State = "planning_tool"
	StateToolExecuting      State = "tool_executing"
	StateAwaitingToolResult State = "awaiting_tool_result"
	StateResponding         State = "responding"
	StateDone               State = "done"
	StateCancelled          State = "cancelled"
	StateError              State = "error"
)

// Terminal reports whether the state ends a turn.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// transitions is the full set of legal state changes. Every non-idle state
// may move to cancelled, and every fallible state to error.
var transitions = map[State][]State{
	StateIdle:               {StateThinking},
	StateThinking:           {StatePlanningTool, StateResponding, StateError, StateCancelled},
	StatePlanningTool:       {StateToolExecuting, StateError, StateCancelled},
	StateToolExecuting:      {StateAwaitingToolResult, StateError, StateCancelled},
	StateAwaitingToolResult: {StateToolExecuting, StateThinking, StateResponding, StateError, StateCancelled},
	StateResponding:         {StateDone, StateError, StateCancelled},
	StateDone:               {StateIdle},
	StateCancelled:          {StateIdle},
	StateError:              {StateIdle},
}

// InvalidTransitionError reports a disallowed state change.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine is a table-driven state machine guarding the agent loop.
// The zero value is not usable; create one with NewMachine.
type Machine struct {
	state State
	mu    sync.Mutex
}

// NewMachine creates a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the next state, or returns InvalidTransitionError
// if the table does not allow the move.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return &InvalidTransitionError{From: m.state, To: next}
}

// Reset returns the machine to idle from a terminal state.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		m.state = StateIdle
	}
}
