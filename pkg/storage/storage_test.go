package storage_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/tokenkeeper/internal/testutil"
	"git.sr.ht/~jakintosh/tokenkeeper/pkg/storage"
)

const deliveryTimeout = 3 * time.Second

type recorder struct {
	mu      sync.Mutex
	changes []storage.Change
}

func record(ch storage.Channel) (*recorder, func()) {
	r := &recorder{}
	cancel := ch.OnChange(func(c storage.Change) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, c)
	})
	return r, cancel
}

func (r *recorder) all() []storage.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Change(nil), r.changes...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) waitFor(t *testing.T, n int) []storage.Change {
	t.Helper()
	testutil.Eventually(t, deliveryTimeout, func() bool { return r.count() >= n },
		"expected more changes")
	return r.all()
}

// exerciseContexts runs the behaviour every medium shares: a and b are
// two contexts over the same backing store.
func exerciseContexts(t *testing.T, a, b storage.Channel) {
	t.Helper()

	recA, _ := record(a)
	recB, _ := record(b)

	// a write in a is readable from b and reported to b only
	if err := a.Set("access_token", "one"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got := recB.waitFor(t, 1)
	if got[0] != (storage.Change{Key: "access_token", Value: "one"}) {
		t.Errorf("b saw %+v", got[0])
	}
	value, ok, err := b.Get("access_token")
	if err != nil || !ok || value != "one" {
		t.Errorf("b.Get = %q, %v, %v", value, ok, err)
	}

	// a write in b is reported to a
	if err := b.Set("access_token", "two"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got = recA.waitFor(t, 1)
	if got[0] != (storage.Change{Key: "access_token", Value: "two"}) {
		t.Errorf("a saw %+v", got[0])
	}

	// a removal is reported as a tombstone
	if err := a.Remove("access_token"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	got = recB.waitFor(t, 2)
	if got[1] != (storage.Change{Key: "access_token", Removed: true}) {
		t.Errorf("b saw %+v", got[1])
	}
	if _, ok, _ := b.Get("access_token"); ok {
		t.Error("key should be absent after Remove")
	}

	// neither context ever heard its own writes
	time.Sleep(100 * time.Millisecond)
	if n := recA.count(); n != 1 {
		t.Errorf("a saw %d changes, want 1: %+v", n, recA.all())
	}
	if n := recB.count(); n != 2 {
		t.Errorf("b saw %d changes, want 2: %+v", n, recB.all())
	}
}

func exerciseKeys(t *testing.T, ch storage.Channel) {
	t.Helper()

	for _, key := range []string{"", ".", "..", "a/b", "has space", "../escape"} {
		if err := ch.Set(key, "x"); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Set(%q) err = %v, want ErrInvalidKey", key, err)
		}
		if _, _, err := ch.Get(key); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}

	// missing key reads as absent, not as an error
	value, ok, err := ch.Get("missing")
	if err != nil || ok || value != "" {
		t.Errorf("Get(missing) = %q, %v, %v", value, ok, err)
	}

	// removing a missing key is fine
	if err := ch.Remove("missing"); err != nil {
		t.Errorf("Remove(missing) failed: %v", err)
	}
}

func TestHandlers_CancelStopsDelivery(t *testing.T) {
	t.Parallel()
	hub := storage.NewHub()
	a, b := hub.Open(), hub.Open()
	t.Cleanup(func() { a.Close(); b.Close() })

	rec, cancel := record(b)
	keep, _ := record(b)

	// cancel one of two handlers; cancelling twice is harmless
	cancel()
	cancel()

	if err := a.Set("k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	keep.waitFor(t, 1)
	if n := rec.count(); n != 0 {
		t.Errorf("cancelled handler saw %d changes", n)
	}
}
