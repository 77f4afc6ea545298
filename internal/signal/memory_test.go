package signal

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collect gathers async deliveries for assertions.
type collect[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collect[T]) add(v T) {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
}

func (c *collect[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusRinging, StatusAccepted, true},
		{StatusRinging, StatusRejected, true},
		{StatusRinging, StatusEnded, true},
		{StatusAccepted, StatusEnded, true},
		{StatusAccepted, StatusRejected, false},
		{StatusRejected, StatusEnded, false},
		{StatusEnded, StatusAccepted, false},
		{StatusRinging, StatusRinging, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestMemoryChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	id, err := m.CreateSignal(ctx, "alice", "bob", "Alice", KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("subscribe replays current state", func(t *testing.T) {
		var got collect[CallSignal]
		cancel, err := m.SubscribeSignal(id, got.add)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		waitFor(t, func() bool { return len(got.snapshot()) >= 1 })
		first := got.snapshot()[0]
		if first.Status != StatusRinging || first.From != "alice" {
			t.Fatalf("unexpected replayed signal: %+v", first)
		}
	})

	t.Run("invalid transition rejected", func(t *testing.T) {
		ended := StatusEnded
		if err := m.UpdateSignal(ctx, id, Update{Status: &ended}); err != nil {
			t.Fatal(err)
		}
		accepted := StatusAccepted
		if err := m.UpdateSignal(ctx, id, Update{Status: &accepted}); err == nil {
			t.Fatal("expected error for ended -> accepted")
		}
	})

	t.Run("unknown signal", func(t *testing.T) {
		st := StatusAccepted
		if err := m.UpdateSignal(ctx, "nope", Update{Status: &st}); err == nil {
			t.Fatal("expected ErrUnknownSignal")
		}
	})
}

func TestMemoryChannelOfferWriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	id, _ := m.CreateSignal(ctx, "alice", "bob", "", KindVideo)

	d1 := Description{Type: "offer", SDP: "v=0 first"}
	d2 := Description{Type: "offer", SDP: "v=0 second"}
	if err := m.UpdateSignal(ctx, id, Update{Offer: &d1}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateSignal(ctx, id, Update{Offer: &d2}); err != nil {
		t.Fatal(err)
	}

	cs, ok := m.Signal(id)
	if !ok {
		t.Fatal("signal missing")
	}
	if cs.Offer == nil || cs.Offer.SDP != "v=0 first" {
		t.Fatalf("offer should keep first write, got %+v", cs.Offer)
	}
}

func TestMemoryChannelInbox(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	var got collect[CallSignal]
	cancel, err := m.SubscribeInbox("bob", StatusRinging, got.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	id, _ := m.CreateSignal(ctx, "alice", "bob", "", KindAudio)
	m.CreateSignal(ctx, "alice", "carol", "", KindAudio) // not bob's

	waitFor(t, func() bool { return len(got.snapshot()) >= 1 })
	items := got.snapshot()
	if len(items) != 1 || items[0].ID != id {
		t.Fatalf("inbox got %+v", items)
	}

	// A non-status update must not redeliver into the inbox.
	d := Description{Type: "offer", SDP: "x"}
	if err := m.UpdateSignal(ctx, id, Update{Offer: &d}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("expected 1 inbox delivery, got %d", n)
	}
}

func TestMemoryChannelCandidates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	id, _ := m.CreateSignal(ctx, "alice", "bob", "", KindAudio)

	for _, c := range []string{"cand-1", "cand-2"} {
		if err := m.AppendCandidate(ctx, id, OriginOfferer, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.AppendCandidate(ctx, id, OriginAnswerer, "other-side"); err != nil {
		t.Fatal(err)
	}

	var got collect[CandidateRecord]
	cancel, err := m.SubscribeCandidates(id, OriginOfferer, got.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := m.AppendCandidate(ctx, id, OriginOfferer, "cand-3"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(got.snapshot()) >= 3 })
	items := got.snapshot()
	if len(items) != 3 {
		t.Fatalf("expected 3 offerer candidates, got %d", len(items))
	}
	for i, want := range []string{"cand-1", "cand-2", "cand-3"} {
		if items[i].Candidate != want {
			t.Fatalf("candidate %d = %q, want %q (order broken)", i, items[i].Candidate, want)
		}
		if items[i].Origin != OriginOfferer {
			t.Fatalf("wrong origin delivered: %+v", items[i])
		}
	}
}

func TestMemoryChannelRedeliver(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	id, _ := m.CreateSignal(ctx, "alice", "bob", "", KindAudio)

	var got collect[CallSignal]
	cancel, _ := m.SubscribeSignal(id, got.add)
	defer cancel()
	waitFor(t, func() bool { return len(got.snapshot()) >= 1 })

	m.Redeliver(id)
	waitFor(t, func() bool { return len(got.snapshot()) >= 2 })
	items := got.snapshot()
	if items[0].ID != items[1].ID || items[0].Status != items[1].Status {
		t.Fatalf("redelivery should repeat the same record: %+v", items)
	}
}

func TestMemoryChannelApplyMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChannel()
	defer m.Close()

	id, _ := m.CreateSignal(ctx, "alice", "bob", "", KindAudio)
	base, _ := m.Signal(id)

	t.Run("status cannot regress", func(t *testing.T) {
		in := base.Clone()
		in.Status = StatusAccepted
		m.applySignal(in)

		stale := base.Clone()
		stale.Status = StatusRinging
		m.applySignal(stale)

		cs, _ := m.Signal(id)
		if cs.Status != StatusAccepted {
			t.Fatalf("status regressed to %s", cs.Status)
		}
	})

	t.Run("candidate dedup by id", func(t *testing.T) {
		rec := CandidateRecord{ID: "r1", SignalID: id, Candidate: "c", Origin: OriginOfferer}
		if !m.applyCandidate(rec) {
			t.Fatal("first apply should be new")
		}
		if m.applyCandidate(rec) {
			t.Fatal("second apply should be a duplicate")
		}
	})

	t.Run("candidate before record creates placeholder", func(t *testing.T) {
		rec := CandidateRecord{ID: "r2", SignalID: "future", Candidate: "c", Origin: OriginOfferer}
		if !m.applyCandidate(rec) {
			t.Fatal("apply should succeed without the signal record")
		}
		if got := m.candidatesOf("future"); len(got) != 1 {
			t.Fatalf("expected buffered candidate, got %d", len(got))
		}
	})

	t.Run("late record completes placeholder", func(t *testing.T) {
		var inbox collect[CallSignal]
		cancel, _ := m.SubscribeInbox("dave", StatusRinging, inbox.add)
		defer cancel()

		m.ensureSignal("late")
		m.applyCandidate(CandidateRecord{ID: "r3", SignalID: "late", Candidate: "c", Origin: OriginOfferer})
		m.applySignal(CallSignal{
			ID: "late", From: "carol", To: "dave", FromDisplayName: "Carol",
			Kind: KindVideo, Status: StatusRinging, CreatedAt: time.Now(),
		})

		cs, ok := m.Signal("late")
		if !ok || cs.From != "carol" || cs.To != "dave" || cs.Kind != KindVideo || cs.FromDisplayName != "Carol" {
			t.Fatalf("placeholder not completed: %+v", cs)
		}
		waitFor(t, func() bool { return len(inbox.snapshot()) == 1 })
	})
}

func TestCallSignalValidate(t *testing.T) {
	good := CallSignal{ID: "x", From: "a", To: "b", Kind: KindAudio, Status: StatusRinging}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	bad := []CallSignal{
		{ID: "x", From: "a", To: "a", Kind: KindAudio, Status: StatusRinging},
		{ID: "x", From: "", To: "b", Kind: KindAudio, Status: StatusRinging},
		{ID: "x", From: "a", To: "b", Kind: "screen", Status: StatusRinging},
	}
	for i, cs := range bad {
		if err := cs.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
