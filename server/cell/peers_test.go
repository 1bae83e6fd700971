package cell

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/cellmesh/cell/server/cell/types"
	"github.com/cellmesh/cell/server/identity"
)

func peerFor(c *Cell) *types.PeerRecord {
	return &types.PeerRecord{
		UUID:         c.ID(),
		PublicKey:    c.PublicKey(),
		Capabilities: []string{"messaging"},
	}
}

func TestRegisterAndLookupPeer(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "reg-a", store)
	b := newTestCell(t, "reg-b", store)
	ctx := context.Background()

	if err := a.RegisterPeer(ctx, peerFor(b)); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}

	rec, err := a.LookupPeer(ctx, b.ID())
	if err != nil {
		t.Fatalf("LookupPeer failed: %v", err)
	}
	if rec.TrustLevel != types.TrustLevelUnknown {
		t.Errorf("fresh peer trust = %q, want unknown", rec.TrustLevel)
	}
	if rec.Relationship != types.RelationshipPending {
		t.Errorf("fresh peer relationship = %q, want pending", rec.Relationship)
	}
	if len(rec.History) == 0 || rec.History[0].Event != "discovered" {
		t.Errorf("registration should append a discovery event, got %+v", rec.History)
	}

	// Returned records are copies: mutating one must not poison the cache.
	rec.TrustLevel = types.TrustLevelTrusted
	again, _ := a.LookupPeer(ctx, b.ID())
	if again.TrustLevel != types.TrustLevelUnknown {
		t.Error("LookupPeer must return an isolated copy")
	}
}

func TestLookupFallsBackToPersistentTier(t *testing.T) {
	store := newTestStore(t)
	kr, err := identity.Generate("persistent")
	if err != nil {
		t.Fatal(err)
	}

	first := New(kr, store, testConfig())
	if err = first.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	other := newTestCell(t, "other-peer", store)
	ctx := context.Background()

	if err = first.RegisterPeer(ctx, peerFor(other)); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}
	first.Stop()

	// A new engine over the same identity and store starts with an
	// empty memory tier and finds the record in the peercache log.
	second := New(kr, store, testConfig())
	if err = second.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer second.Stop()

	rec, err := second.LookupPeer(ctx, other.ID())
	if err != nil {
		t.Fatalf("LookupPeer after restart failed: %v", err)
	}

	want := peerFor(other)
	if diff := cmp.Diff(want, rec,
		cmpopts.IgnoreFields(types.PeerRecord{}, "TrustLevel", "Relationship", "LastSeen", "History")); diff != "" {
		t.Errorf("reloaded record mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupMissFiresBroadcast(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "miss-a", store)
	ctx := context.Background()

	if _, err := a.LookupPeer(ctx, "stranger"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The fire-and-forget lookup marker lands in the peercache log.
	waitFor(t, func() bool {
		l, err := store.OpenLog(ctx, "peercache:"+a.ID())
		return err == nil && l.Length() > 0
	}, "broadcast lookup marker")
}

func TestUpdatePeerTrust(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "trust-a", store)
	b := newTestCell(t, "trust-b", store)
	ctx := context.Background()

	if err := a.UpdatePeerTrust(ctx, "nobody", types.TrustLevelTrusted); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown peer: got %v, want ErrNotFound", err)
	}
	if err := a.RegisterPeer(ctx, peerFor(b)); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}
	if err := a.UpdatePeerTrust(ctx, b.ID(), types.TrustLevel("bogus")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("bad level: got %v, want ErrValidation", err)
	}

	if err := a.UpdatePeerTrust(ctx, b.ID(), types.TrustLevelTrusted); err != nil {
		t.Fatalf("UpdatePeerTrust failed: %v", err)
	}
	if !a.isTrusted(b.ID()) {
		t.Error("trusted set should include the peer")
	}
	rec, _ := a.LookupPeer(ctx, b.ID())
	if last := rec.History[len(rec.History)-1]; last.Event != "trust-update" {
		t.Errorf("history should record the trust update, got %+v", last)
	}

	// Blocking removes the peer from the trusted set but keeps the record.
	if err := a.UpdatePeerTrust(ctx, b.ID(), types.TrustLevelBlocked); err != nil {
		t.Fatalf("UpdatePeerTrust failed: %v", err)
	}
	if a.isTrusted(b.ID()) {
		t.Error("blocked peer must leave the trusted set")
	}
	rec, err := a.LookupPeer(ctx, b.ID())
	if err != nil {
		t.Fatalf("blocked peer should still be cached: %v", err)
	}
	if rec.Relationship != types.RelationshipDisconnected {
		t.Errorf("blocked peer relationship = %q, want disconnected", rec.Relationship)
	}
}

func TestBlockingIsRecipientSidePolicy(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "block-a", store)
	b := newTestCell(t, "block-b", store)
	ctx := context.Background()

	if err := b.RegisterPeer(ctx, peerFor(a)); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}
	if err := b.UpdatePeerTrust(ctx, a.ID(), types.TrustLevelBlocked); err != nil {
		t.Fatalf("UpdatePeerTrust failed: %v", err)
	}

	// Blocking does not prevent the writer from appending to its own
	// direct log toward the blocker.
	if _, err := a.Send(ctx, b.ID(), []byte("still writable"), b.PublicKey()); err != nil {
		t.Errorf("send toward a blocking recipient should still be attemptable: %v", err)
	}

	// But the blocker's own notification path refuses the peer.
	err := b.SendInboxNotification(ctx, a.ID(), []byte("nope"))
	if !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("notification to blocked peer: got %v, want ErrAccessDenied", err)
	}
}

func TestGrantInboxAccessIdempotent(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "grant-a", store)

	for i := 0; i < 3; i++ {
		if err := a.GrantInboxAccess("friend", true); err != nil {
			t.Fatalf("GrantInboxAccess failed: %v", err)
		}
	}
	if got := len(a.TrustedPeers()); got != 1 {
		t.Errorf("trusted set size = %d, want 1", got)
	}

	if err := a.GrantInboxAccess("friend", false); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if got := len(a.TrustedPeers()); got != 0 {
		t.Errorf("trusted set size after revoke = %d, want 0", got)
	}
}

func TestIntroduceRequiresMutualTrust(t *testing.T) {
	store := newTestStore(t)
	a := newTestCell(t, "intro-a", store)
	b := newTestCell(t, "intro-b", store)
	c := newTestCell(t, "intro-c", store)
	ctx := context.Background()

	if err := a.RegisterPeer(ctx, peerFor(c)); err != nil {
		t.Fatalf("RegisterPeer failed: %v", err)
	}

	if _, err := a.Introduce(ctx, b.ID(), c.ID()); !errors.Is(err, types.ErrUntrustedIntro) {
		t.Errorf("untrusted introduction: got %v, want ErrUntrustedIntro", err)
	}

	a.GrantInboxAccess(b.ID(), true)
	a.GrantInboxAccess(c.ID(), true)

	intro, err := a.Introduce(ctx, b.ID(), c.ID())
	if err != nil {
		t.Fatalf("Introduce failed: %v", err)
	}
	if intro.TargetUUID != c.ID() || intro.TargetPublicKey != c.PublicKey() {
		t.Error("introduction must carry the target's public identity")
	}
	if len(intro.Signature) == 0 {
		t.Error("introduction must be signed")
	}

	// Best-effort delivery into the requester's inbox.
	waitFor(t, func() bool { return inboxLength(t, store, b.ID()) >= 1 }, "introduction in requester inbox")
}
