package authz

import (
	"context"
	"testing"

	"voicegateway/internal/store"
)

type fakeResolver struct {
	caps map[string][]store.EffectiveCapability // key: serverID|userID|channelID
	hits int
}

func (f *fakeResolver) ResolveEffectiveCapabilities(ctx context.Context, serverID, userID, channelID string) ([]store.EffectiveCapability, error) {
	f.hits++
	return f.caps[serverID+"|"+userID+"|"+channelID], nil
}

func TestPermittedRoleGrant(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {{Capability: "chat.post", Effect: store.EffectGrant, Tier: "role"}},
	}}
	a := New(fr)
	d, err := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post")
	if err != nil {
		t.Fatalf("Permitted: %v", err)
	}
	if d != Allow {
		t.Errorf("Decision = %v, want Allow", d)
	}
}

func TestPermittedUndecidedWithNoRows(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{}}
	a := New(fr)
	d, _ := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post")
	if d != Undecided {
		t.Errorf("Decision = %v, want Undecided", d)
	}
}

func TestDenyBeatsGrantWithinTier(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {
			{Capability: "chat.post", Effect: store.EffectGrant, Tier: "role"},
			{Capability: "chat.post", Effect: store.EffectDeny, Tier: "role"},
		},
	}}
	a := New(fr)
	d, _ := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post")
	if d != Deny {
		t.Errorf("Decision = %v, want Deny", d)
	}
}

func TestChannelOverrideDenyBeatsRoleGrant(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {
			{Capability: "chat.post", Effect: store.EffectGrant, Tier: "role"},
			{Capability: "chat.post", Effect: store.EffectDeny, Tier: "override"},
		},
	}}
	a := New(fr)
	d, _ := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post")
	if d != Deny {
		t.Errorf("Decision = %v, want Deny (channel-override beats role)", d)
	}
}

func TestChannelOverrideGrantBeatsRoleDeny(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {
			{Capability: "chat.post", Effect: store.EffectDeny, Tier: "role"},
			{Capability: "chat.post", Effect: store.EffectGrant, Tier: "override"},
		},
	}}
	a := New(fr)
	d, _ := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post")
	if d != Allow {
		t.Errorf("Decision = %v, want Allow (channel-override beats role)", d)
	}
}

func TestPermittedAllRequiresEveryCapability(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {
			{Capability: "channel.join", Effect: store.EffectGrant, Tier: "role"},
		},
	}}
	a := New(fr)
	ok, err := a.PermittedAll(context.Background(), "s1", "u1", "c1", "channel.join", "channel.speak")
	if err != nil {
		t.Fatalf("PermittedAll: %v", err)
	}
	if ok {
		t.Error("expected false: channel.speak is undecided")
	}
}

func TestCacheAvoidsRepeatedResolution(t *testing.T) {
	fr := &fakeResolver{caps: map[string][]store.EffectiveCapability{
		"s1|u1|c1": {{Capability: "chat.post", Effect: store.EffectGrant, Tier: "role"}},
	}}
	a := New(fr)
	for i := 0; i < 3; i++ {
		if _, err := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post"); err != nil {
			t.Fatalf("Permitted: %v", err)
		}
	}
	if fr.hits != 1 {
		t.Errorf("resolver hits = %d, want 1 (cached)", fr.hits)
	}

	a.Invalidate("s1", "u1")
	if _, err := a.Permitted(context.Background(), "s1", "u1", "c1", "chat.post"); err != nil {
		t.Fatalf("Permitted: %v", err)
	}
	if fr.hits != 2 {
		t.Errorf("resolver hits after invalidate = %d, want 2", fr.hits)
	}
}
