package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicecoach/pkg/protocol"
)

// ErrInvalidTransition is returned when a state change is not in the
// transition table.
var ErrInvalidTransition = errors.New("peer: invalid state transition")

// State is the server-side voice state of one session. Its values are the
// strings advertised in state_change frames.
type State string

const (
	StateIdle              State = protocol.PeerStateIdle
	StateUserSpeaking      State = protocol.PeerStateUserSpeaking
	StateProcessing        State = protocol.PeerStateProcessing
	StateAssistantSpeaking State = protocol.PeerStateAssistantSpeaking
	StateError             State = protocol.PeerStateError
)

var transitions = map[State][]State{
	StateIdle:              {StateUserSpeaking, StateProcessing, StateError},
	StateUserSpeaking:      {StateProcessing, StateIdle, StateError},
	StateProcessing:        {StateAssistantSpeaking, StateIdle, StateError},
	StateAssistantSpeaking: {StateIdle, StateUserSpeaking, StateError},
	StateError:             {StateIdle},
}

// CanTransition reports whether from → to is allowed. Staying in the same
// state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine guards the session state. It is safe for concurrent use.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine returns a machine in [StateIdle].
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to `to` and returns the previous state. An invalid move
// leaves the state unchanged and returns an error wrapping
// [ErrInvalidTransition].
func (m *StateMachine) Transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	return from, nil
}

// TransitionIf moves to `to` only when the current state is `from`. It
// reports whether the move happened.
func (m *StateMachine) TransitionIf(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || !CanTransition(from, to) {
		return false
	}
	m.state = to
	return true
}
