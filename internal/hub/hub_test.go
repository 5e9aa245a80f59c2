package hub

import (
	"sync"
	"testing"
)

// fakeSender records delivered frames; failing=true simulates a closed or
// unwritable connection.
type fakeSender struct {
	mu      sync.Mutex
	frames  [][]byte
	failing bool
}

func (f *fakeSender) TrySend(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestSubscribeBroadcast(t *testing.T) {
	h := New()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}

	h.Subscribe("auction:1", a)
	h.Subscribe("auction:1", b)
	h.Subscribe("auction:2", c)

	if n := h.Broadcast("auction:1", []byte("x")); n != 2 {
		t.Fatalf("recipients: got %d want 2", n)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Error("subscribers missed the broadcast")
	}
	if c.count() != 0 {
		t.Error("other channel received the broadcast")
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := New()
	a := &fakeSender{}
	h.Subscribe("auction:1", a)
	h.Subscribe("auction:1", a)

	if n := h.Broadcast("auction:1", []byte("x")); n != 1 {
		t.Fatalf("double subscribe produced %d memberships", n)
	}
}

func TestUnsubscribe_RestoresPriorState(t *testing.T) {
	h := New()
	a := &fakeSender{}

	h.Subscribe("auction:1", a)
	h.Unsubscribe("auction:1", a)
	if h.Subscribed("auction:1", a) {
		t.Fatal("still subscribed after unsubscribe")
	}
	if n := h.Broadcast("auction:1", []byte("x")); n != 0 {
		t.Fatalf("broadcast reached %d members after unsubscribe", n)
	}
}

func TestBroadcast_DropsFailedMember(t *testing.T) {
	h := New()
	ok, dead := &fakeSender{}, &fakeSender{failing: true}
	h.Subscribe("auction:1", ok)
	h.Subscribe("auction:1", dead)

	if n := h.Broadcast("auction:1", []byte("x")); n != 1 {
		t.Fatalf("recipients: got %d want 1", n)
	}
	// One failed attempt is enough to lose membership.
	if h.Subscribed("auction:1", dead) {
		t.Fatal("failed member retained after broadcast")
	}
	if !h.Subscribed("auction:1", ok) {
		t.Fatal("healthy member dropped")
	}
}

func TestBroadcastAll(t *testing.T) {
	h := New()
	a, b := &fakeSender{}, &fakeSender{}
	h.Register(a)
	h.Register(b)
	h.Subscribe("auction:1", a) // membership is irrelevant to BroadcastAll

	if n := h.BroadcastAll([]byte("x")); n != 2 {
		t.Fatalf("recipients: got %d want 2", n)
	}
}

func TestDeregister_RemovesEverywhere(t *testing.T) {
	h := New()
	a := &fakeSender{}
	h.Register(a)
	h.Subscribe("auction:1", a)
	h.Subscribe("vault:1:0xabc", a)
	h.Observe(a)

	h.Deregister(a)

	if h.Subscribed("auction:1", a) || h.Subscribed("vault:1:0xabc", a) {
		t.Error("deregistered conn still subscribed")
	}
	if n := h.BroadcastObservers([]byte("x")); n != 0 {
		t.Errorf("deregistered conn still observing (%d)", n)
	}
	if n := h.BroadcastAll([]byte("x")); n != 0 {
		t.Errorf("deregistered conn still in conn set (%d)", n)
	}
}

func TestUnsubscribeAll_Counts(t *testing.T) {
	h := New()
	a := &fakeSender{}
	h.Subscribe("auction:1", a)
	h.Subscribe("auction:2", a)
	h.Observe(a)

	if n := h.UnsubscribeAll(a); n != 2 {
		t.Fatalf("UnsubscribeAll: got %d want 2", n)
	}
	if n := h.BroadcastObservers([]byte("x")); n != 0 {
		t.Error("observer set survived UnsubscribeAll")
	}
}

func TestObservers(t *testing.T) {
	h := New()
	obs, sub := &fakeSender{}, &fakeSender{}
	h.Observe(obs)
	h.Subscribe("vault:1:0xabc", sub)

	if n := h.BroadcastObservers([]byte("x")); n != 1 {
		t.Fatalf("observer recipients: got %d want 1", n)
	}
	if sub.count() != 0 {
		t.Error("channel subscriber received observer broadcast")
	}

	h.Unobserve(obs)
	if n := h.BroadcastObservers([]byte("x")); n != 0 {
		t.Fatal("unobserved conn still receiving")
	}
}

func TestBroadcastWithObservers_AtMostOncePerConn(t *testing.T) {
	h := New()
	both, subOnly, obsOnly := &fakeSender{}, &fakeSender{}, &fakeSender{}
	h.Subscribe("vault:1:0xabc", both)
	h.Observe(both)
	h.Subscribe("vault:1:0xabc", subOnly)
	h.Observe(obsOnly)

	if n := h.BroadcastWithObservers("vault:1:0xabc", []byte("x")); n != 3 {
		t.Fatalf("recipients: got %d want 3", n)
	}
	if both.count() != 1 {
		t.Errorf("subscriber+observer received %d frames, want 1", both.count())
	}
	if subOnly.count() != 1 || obsOnly.count() != 1 {
		t.Error("union member missed the broadcast")
	}
}

func TestChannelNames(t *testing.T) {
	if got := AuctionChannel("abc"); got != "auction:abc" {
		t.Errorf("AuctionChannel: %q", got)
	}
	if got := VaultChannel(10, "0xABCD000000000000000000000000000000004321"); got != "vault:10:0xabcd000000000000000000000000000000004321" {
		t.Errorf("VaultChannel: %q", got)
	}
}
