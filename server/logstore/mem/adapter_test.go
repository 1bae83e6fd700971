package mem

import (
	"context"
	"testing"
)

func TestOpenLogIdempotent(t *testing.T) {
	a := New()
	if err := a.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	l1, err := a.OpenLog(ctx, "direct:a:b")
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	l2, err := a.OpenLog(ctx, "direct:a:b")
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	if l1 != l2 {
		t.Error("OpenLog should return the same log for the same name")
	}
	if l1.DiscoveryKey() == "" || l1.DiscoveryKey() != l2.DiscoveryKey() {
		t.Error("discovery key should be stable per name")
	}

	l3, err := a.OpenLog(ctx, "direct:b:a")
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	if l3.DiscoveryKey() == l1.DiscoveryKey() {
		t.Error("distinct logs must have distinct discovery keys")
	}
}

func TestAppendGetLength(t *testing.T) {
	a := New()
	if err := a.Open(nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	l, _ := a.OpenLog(ctx, "journal:a")

	recs := []string{"one", "two", "three"}
	for i, r := range recs {
		idx, err := l.Append(ctx, []byte(r))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if idx != i {
			t.Errorf("Append returned index %d, want %d", idx, i)
		}
	}
	if l.Length() != len(recs) {
		t.Errorf("Length = %d, want %d", l.Length(), len(recs))
	}

	got, err := l.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get(1) = %q, want %q", got, "two")
	}

	if _, err := l.Get(ctx, 99); err == nil {
		t.Error("Get past the tail should fail")
	}

	// Appended records must be insulated from caller mutation.
	buf := []byte("mutable")
	l.Append(ctx, buf)
	buf[0] = 'X'
	got, _ = l.Get(ctx, 3)
	if string(got) != "mutable" {
		t.Error("Append must copy the record")
	}
}

func TestClosedAdapterRefusesWork(t *testing.T) {
	a := New()
	if _, err := a.OpenLog(context.Background(), "x"); err == nil {
		t.Error("OpenLog on a closed adapter should fail")
	}
}
