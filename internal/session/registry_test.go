package session

import "testing"

type fakeSender struct {
	sent    [][]byte
	control []any
	closed  bool
}

func (f *fakeSender) SendDatagram(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSender) SendControl(frame any) error {
	f.control = append(f.control, frame)
	return nil
}

func (f *fakeSender) Close(reason string) error {
	f.closed = true
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil)
	fs := &fakeSender{}
	sess := r.Register("conn1", "u1", fs, fs)

	got, ok := r.Lookup("u1")
	if !ok || got != sess {
		t.Fatalf("Lookup(u1) = %v, %v", got, ok)
	}
	got2, ok := r.LookupByConn("conn1")
	if !ok || got2 != sess {
		t.Fatalf("LookupByConn(conn1) = %v, %v", got2, ok)
	}
}

func TestRegisterSupersedesOldSession(t *testing.T) {
	var superseded *Session
	r := New(func(old *Session) { superseded = old })

	fs1 := &fakeSender{}
	first := r.Register("conn1", "u1", fs1, fs1)

	fs2 := &fakeSender{}
	second := r.Register("conn2", "u1", fs2, fs2)

	if superseded != first {
		t.Fatal("expected the first session to be reported superseded")
	}
	got, ok := r.Lookup("u1")
	if !ok || got != second {
		t.Fatal("expected the second session to be the sole session for u1")
	}
	if _, ok := r.LookupByConn("conn1"); ok {
		t.Error("old connection id should no longer resolve")
	}
}

func TestSetChannelAndEnumerate(t *testing.T) {
	r := New(nil)
	fs := &fakeSender{}
	sess := r.Register("conn1", "u1", fs, fs)

	var moved []string
	r.SetChannel(sess, "c1", func(s *Session, oldID, newID string) {
		moved = append(moved, oldID+"->"+newID)
	})

	if sess.ChannelID() != "c1" {
		t.Errorf("ChannelID = %q, want c1", sess.ChannelID())
	}
	if len(moved) != 1 || moved[0] != "->c1" {
		t.Errorf("move callback = %v", moved)
	}

	members := r.EnumerateChannel("c1")
	if len(members) != 1 || members[0] != sess {
		t.Fatalf("EnumerateChannel(c1) = %v", members)
	}
}

func TestDropIsIdempotent(t *testing.T) {
	r := New(nil)
	fs := &fakeSender{}
	sess := r.Register("conn1", "u1", fs, fs)

	r.Drop(sess)
	r.Drop(sess) // must not panic or error

	if _, ok := r.Lookup("u1"); ok {
		t.Error("session should be gone after Drop")
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestDropDoesNotRemoveNewerSessionForSameUser(t *testing.T) {
	r := New(nil)
	fs1 := &fakeSender{}
	first := r.Register("conn1", "u1", fs1, fs1)
	fs2 := &fakeSender{}
	r.Register("conn2", "u1", fs2, fs2)

	// Dropping the stale reference to the superseded session must not
	// remove the newer session that replaced it in the map.
	r.Drop(first)

	if _, ok := r.Lookup("u1"); !ok {
		t.Fatal("expected the superseding session to remain registered")
	}
}
