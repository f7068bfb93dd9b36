package protocol

import "testing"

func TestInitialStateRejectsEverythingButAuthRequest(t *testing.T) {
	m := NewMachine()
	if err := m.Accept(TypeAuthRequest); err != nil {
		t.Errorf("AuthRequest should be accepted in Opened: %v", err)
	}
	for _, typ := range []Type{TypeJoinChannel, TypeLeaveChannel, TypeSetMute, TypePostChat, TypeMoveChannel} {
		if err := m.Accept(typ); err == nil {
			t.Errorf("%s should be rejected in Opened", typ)
		}
	}
}

func TestFullHappyPathTransitions(t *testing.T) {
	m := NewMachine()
	m.BeginAuth()
	if m.State() != Authenticating {
		t.Fatalf("State = %v, want Authenticating", m.State())
	}
	m.AuthSucceeded()
	if m.State() != Ready {
		t.Fatalf("State = %v, want Ready", m.State())
	}
	if err := m.Accept(TypeJoinChannel); err != nil {
		t.Fatalf("JoinChannel should be accepted in Ready: %v", err)
	}
	m.Joined()
	if m.State() != InChannel {
		t.Fatalf("State = %v, want InChannel", m.State())
	}
	for _, typ := range []Type{TypeSetMute, TypePostChat, TypeMoveChannel, TypeLeaveChannel} {
		if err := m.Accept(typ); err != nil {
			t.Errorf("%s should be accepted in InChannel: %v", typ, err)
		}
	}
	m.Left()
	if m.State() != Ready {
		t.Fatalf("State = %v, want Ready after Left", m.State())
	}
	if err := m.Accept(TypePostChat); err == nil {
		t.Error("PostChat should be rejected outside InChannel")
	}
}

func TestAuthFailureClosesConnection(t *testing.T) {
	m := NewMachine()
	m.BeginAuth()
	m.AuthFailed()
	if m.State() != Closing {
		t.Fatalf("State = %v, want Closing", m.State())
	}
	if err := m.Accept(TypeAuthRequest); err == nil {
		t.Error("no frame should be accepted once Closing")
	}
}
