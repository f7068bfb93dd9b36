package protocol

import (
	"fmt"
	"sync"
)

// State is a connection's position in the control-protocol state
// machine (spec §4.6).
type State int

const (
	Opened State = iota
	Authenticating
	Ready
	InChannel
	Closing
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case InChannel:
		return "in_channel"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// allowed maps each frame type to the states in which it may be
// accepted. A type absent from this map is never accepted on the
// control stream (voice datagrams are out-of-band, per spec §4.6).
var allowed = map[Type][]State{
	TypeAuthRequest:  {Opened},
	TypeJoinChannel:  {Ready, InChannel},
	TypeLeaveChannel: {InChannel},
	TypeSetMute:      {InChannel},
	TypePostChat:     {InChannel},
	TypeMoveChannel:  {InChannel},
}

// Machine tracks one connection's state and enforces the transition
// rules in spec §4.6's diagram: no operation other than AuthRequest is
// accepted until Ready; JoinChannel is the only path from Ready to
// InChannel; LeaveChannel returns to Ready.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts a connection in the Opened state.
func NewMachine() *Machine {
	return &Machine{state: Opened}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Accept checks whether typ is legal in the current state, without
// transitioning. ControlProtocol calls this before dispatching a
// frame to its handler.
func (m *Machine) Accept(typ Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closing {
		return fmt.Errorf("connection is closing")
	}
	states, ok := allowed[typ]
	if !ok {
		return fmt.Errorf("frame type %q is never accepted on the control stream", typ)
	}
	for _, s := range states {
		if s == m.state {
			return nil
		}
	}
	return fmt.Errorf("frame type %q not accepted in state %s", typ, m.state)
}

// AuthSucceeded transitions Authenticating(or Opened) -> Ready.
func (m *Machine) AuthSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Ready
}

// AuthFailed transitions to Closing.
func (m *Machine) AuthFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Closing
}

// BeginAuth transitions Opened -> Authenticating, recording that an
// AuthRequest has been received and is being validated.
func (m *Machine) BeginAuth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Opened {
		m.state = Authenticating
	}
}

// Joined transitions Ready -> InChannel.
func (m *Machine) Joined() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ready {
		m.state = InChannel
	}
}

// Left transitions InChannel -> Ready.
func (m *Machine) Left() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == InChannel {
		m.state = Ready
	}
}

// Close transitions to Closing from any state.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Closing
}
