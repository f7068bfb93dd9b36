package router

import (
	"testing"
	"time"
)

type fakeReceiver struct {
	deafened bool
	received [][]byte
}

func (f *fakeReceiver) SendDatagram(data []byte) error {
	f.received = append(f.received, data)
	return nil
}

func (f *fakeReceiver) Deafened() bool { return f.deafened }

func TestForwardBasic(t *testing.T) {
	r := New(64, 0)
	a := &fakeReceiver{}
	b := &fakeReceiver{}
	r.Join("c1", "a", a)
	r.Join("c1", "b", b)

	done := make(chan struct{})
	defer close(done)
	r.StartDrainer(done, "c1", "b")

	for i := 0; i < 10; i++ {
		d := r.Forward("c1", "a", []byte{byte(i)})
		if d.Delivered != 1 {
			t.Fatalf("frame %d: Delivered = %d, want 1", i, d.Delivered)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if len(b.received) != 10 {
		t.Fatalf("b received %d frames, want 10", len(b.received))
	}
	if len(a.received) != 0 {
		t.Fatal("sender must never receive its own datagram")
	}
}

func TestForwardSkipsDeafenedMember(t *testing.T) {
	r := New(64, 0)
	a := &fakeReceiver{}
	b := &fakeReceiver{deafened: true}
	r.Join("c1", "a", a)
	r.Join("c1", "b", b)

	d := r.Forward("c1", "a", []byte("voice"))
	if d.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0 (receiver deafened)", d.Delivered)
	}
}

func TestForwardDropsOnFullQueue(t *testing.T) {
	r := New(2, 0) // tiny queue, no drainer running
	a := &fakeReceiver{}
	b := &fakeReceiver{}
	r.Join("c1", "a", a)
	r.Join("c1", "b", b)

	var lastDrop ForwardDecision
	for i := 0; i < 5; i++ {
		lastDrop = r.Forward("c1", "a", []byte{byte(i)})
	}
	if lastDrop.Dropped == 0 {
		t.Error("expected drops once the bounded queue fills")
	}
	forwarded, dropped := r.Stats()
	if forwarded == 0 {
		t.Error("expected at least one successful Forward call counted")
	}
	if dropped == 0 {
		t.Error("expected drop counter to increase")
	}
}

func TestTalkerCapAdmission(t *testing.T) {
	r := New(64, 2, WithTalkWindow(100*time.Millisecond))
	a := &fakeReceiver{}
	b := &fakeReceiver{}
	c := &fakeReceiver{}
	listener := &fakeReceiver{}
	r.Join("c1", "a", a)
	r.Join("c1", "b", b)
	r.Join("c1", "c", c)
	r.Join("c1", "listener", listener)

	if d := r.Forward("c1", "a", []byte("1")); d.TalkerCapped {
		t.Fatal("first talker should not be capped")
	}
	if d := r.Forward("c1", "b", []byte("1")); d.TalkerCapped {
		t.Fatal("second talker should not be capped")
	}
	d := r.Forward("c1", "c", []byte("1"))
	if !d.TalkerCapped {
		t.Fatal("third concurrent talker should be capped")
	}

	time.Sleep(150 * time.Millisecond) // let a's talking window expire
	d = r.Forward("c1", "c", []byte("2"))
	if d.TalkerCapped {
		t.Fatal("c should become eligible once a's window expires")
	}
}

func TestMoveRelocatesMembership(t *testing.T) {
	r := New(64, 0)
	a := &fakeReceiver{}
	r.Join("c1", "a", a)
	if r.MemberCount("c1") != 1 {
		t.Fatal("expected member in c1")
	}
	r.Move("a", "c1", "c2", a)
	if r.MemberCount("c1") != 0 {
		t.Error("expected c1 to be empty after move")
	}
	if r.MemberCount("c2") != 1 {
		t.Error("expected c2 to have the moved member")
	}
}
