package cell

import (
	"context"
	"testing"
	"time"
)

func newFlakyCell(t *testing.T, name string) (*Cell, *flakyStore) {
	t.Helper()
	fs := &flakyStore{Adapter: newTestStore(t)}
	c := newTestCell(t, name, fs)
	return c, fs
}

func TestFailedSendsLandInOfflineQueue(t *testing.T) {
	c, fs := newFlakyCell(t, "offline-sender")
	ctx := context.Background()
	target := "unreachable-peer"
	key := c.PublicKey() // any well-formed key

	fs.failing.Store(true)
	for i := 0; i < 15; i++ {
		if _, err := c.Send(ctx, target, []byte("are you there?"), key); err == nil {
			t.Fatal("send against a failing store should report the error")
		}
	}
	if got := c.queuedFor(target); got != 15 {
		t.Fatalf("queued for %s: %d, want 15", target, got)
	}

	// Continued failure: entries are retried maxRetries times, then
	// abandoned. No error escapes the sweep.
	for i := 0; i < c.cfg.MaxDeliveryRetries; i++ {
		c.sweepOffline()
	}
	if got := c.queuedFor(target); got != 0 {
		t.Errorf("queue should be empty after exhausting retries, still %d", got)
	}
	if got := c.Health().AbandonedMessages; got != 15 {
		t.Errorf("abandoned = %d, want 15", got)
	}
}

func TestQueuedMessagesDeliverWhenStoreRecovers(t *testing.T) {
	store := newTestStore(t)
	fs := &flakyStore{Adapter: store}
	a := newTestCell(t, "recover-a", fs)
	b := newTestCell(t, "recover-b", store)
	ctx := context.Background()

	fs.failing.Store(true)
	if _, err := a.Send(ctx, b.ID(), []byte("delayed hello"), b.PublicKey()); err == nil {
		t.Fatal("send should fail while the store is down")
	}
	if a.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", a.QueueDepth())
	}

	fs.failing.Store(false)
	a.sweepOffline()

	if a.QueueDepth() != 0 {
		t.Errorf("queue depth after recovery sweep = %d, want 0", a.QueueDepth())
	}

	views, err := b.Receive(ctx, "direct:"+a.ID()+":"+b.ID(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(views) != 1 || string(views[0].Content) != "delayed hello" {
		t.Fatalf("redelivered message missing, got %+v", views)
	}
	if a.Health().AbandonedMessages != 0 {
		t.Error("nothing should have been abandoned")
	}
}

func TestSweepGuardsAgainstReentry(t *testing.T) {
	c, fs := newFlakyCell(t, "reentry")
	fs.failing.Store(true)

	// Hold the guard and confirm a concurrent sweep is a no-op.
	if !c.offlineGuard.TryLock() {
		t.Fatal("guard should be free")
	}
	done := make(chan struct{})
	go func() {
		c.sweepOffline()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guarded sweep should return immediately")
	}
	c.offlineGuard.Unlock()
}
