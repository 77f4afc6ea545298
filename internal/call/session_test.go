package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stayline/callwire/internal/media"
	"github.com/stayline/callwire/internal/signal"
)

// fakeGateway hands out scripted media and peer connections so the state
// machine can be driven without devices or a network.
type fakeGateway struct {
	mu       sync.Mutex
	mediaErr error
	peers    []*fakePeer
}

func (g *fakeGateway) AcquireLocalMedia(wantVideo bool) (media.LocalMedia, error) {
	if g.mediaErr != nil {
		return nil, g.mediaErr
	}
	return &fakeMedia{}, nil
}

func (g *fakeGateway) CreatePeerConnection(iceServers []string) (media.PeerConn, error) {
	p := &fakePeer{iceServers: iceServers}
	g.mu.Lock()
	g.peers = append(g.peers, p)
	g.mu.Unlock()
	return p, nil
}

func (g *fakeGateway) peer(i int) *fakePeer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.peers) {
		return nil
	}
	return g.peers[i]
}

type fakeMedia struct {
	mu       sync.Mutex
	closed   bool
	audioOff bool
	videoOff bool
}

func (m *fakeMedia) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOff = !m.audioOff
	return m.audioOff
}

func (m *fakeMedia) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOff = !m.videoOff
	return m.videoOff
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

type fakePeer struct {
	mu sync.Mutex

	iceServers []string
	remote     *signal.Description
	remoteSets int
	candidates []string
	localDescs []signal.Description
	restarts   int
	closed     bool
	offerErr   error

	onCand  func(string)
	onTrack func(media.Track)
	onState func(media.ConnState)
}

func (p *fakePeer) AttachLocalTracks(media.LocalMedia) error { return nil }

func (p *fakePeer) CreateOffer() (signal.Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offerErr != nil {
		return signal.Description{}, p.offerErr
	}
	return signal.Description{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (signal.Description, error) {
	return signal.Description{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d signal.Description) error {
	p.mu.Lock()
	p.localDescs = append(p.localDescs, d)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d signal.Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote != nil {
		return media.ErrRemoteDescriptionSet
	}
	p.remote = &d
	p.remoteSets++
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddRemoteCandidate(c string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return media.ErrNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) RestartICE() error {
	p.mu.Lock()
	p.restarts++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(string)) { p.mu.Lock(); p.onCand = fn; p.mu.Unlock() }
func (p *fakePeer) OnRemoteTrack(fn func(media.Track)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}
func (p *fakePeer) OnConnectionStateChange(fn func(media.ConnState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fireConnState(st media.ConnState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (p *fakePeer) snapshot() (remoteSets, nCand, restarts int, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets, len(p.candidates), p.restarts, p.closed
}

// historySink records summaries delivered by sessions.
type historySink struct {
	mu   sync.Mutex
	sums []Summary
}

func (h *historySink) add(s Summary) {
	h.mu.Lock()
	h.sums = append(h.sums, s)
	h.mu.Unlock()
}

func (h *historySink) list() []Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Summary, len(h.sums))
	copy(out, h.sums)
	return out
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session stuck in %s, want %s", s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate (state %s)", s.State())
	}
}

func testOptions(hist *historySink) Options {
	opts := Options{RingTimeout: time.Minute}
	if hist != nil {
		opts.OnHistory = hist.add
	}
	return opts
}

// answerSignal plays the remote callee on the shared channel: accept, then
// answer the offer once it lands.
func answerSignal(t *testing.T, ch *signal.MemoryChannel, id string) {
	t.Helper()
	accepted := signal.StatusAccepted
	if err := ch.UpdateSignal(context.Background(), id, signal.Update{Status: &accepted}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cs, ok := ch.Signal(id)
		if ok && cs.Offer != nil {
			ans := signal.Description{Type: "answer", SDP: "v=0 answer"}
			if err := ch.UpdateSignal(context.Background(), id, signal.Update{Answer: &ans}); err != nil {
				t.Fatal(err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("offer never posted")
}

func TestDialHappyPath(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "Alice", testOptions(hist))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	if s.Role() != RoleOfferer || s.Peer() != "bob" {
		t.Fatalf("bad session identity: role=%s peer=%s", s.Role(), s.Peer())
	}
	if s.State() != StateRinging {
		t.Fatalf("expected ringing, got %s", s.State())
	}

	answerSignal(t, ch, s.ID())
	waitState(t, s, StateNegotiating)

	// Remote answer applied exactly once.
	p := gw.peer(0)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sets, _, _, _ := p.snapshot()
		if sets == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote description sets = %d, want 1", sets)
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.fireConnState(media.StateConnected)
	waitState(t, s, StateConnected)

	s.Hangup()
	waitDone(t, s)
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}

	sums := hist.list()
	if len(sums) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(sums))
	}
	if sums[0].FinalStatus != FinalEnded || sums[0].SignalID != s.ID() {
		t.Fatalf("bad summary: %+v", sums[0])
	}

	cs, _ := ch.Signal(s.ID())
	if cs.Status != signal.StatusEnded {
		t.Fatalf("terminal status not written, got %s", cs.Status)
	}
}

func TestDialDuplicateOfferDelivery(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}

	d := NewDialer(ch, gw, "alice", "", testOptions(nil))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { s.Hangup(); waitDone(t, s) }()

	answerSignal(t, ch, s.ID())
	waitState(t, s, StateNegotiating)

	p := gw.peer(0)
	waitForPeer(t, p, func(sets, _, _ int) bool { return sets == 1 })

	// Redundant deliveries of the full record must not re-apply anything.
	ch.Redeliver(s.ID())
	ch.Redeliver(s.ID())
	time.Sleep(50 * time.Millisecond)

	sets, _, _, _ := p.snapshot()
	if sets != 1 {
		t.Fatalf("duplicate delivery re-applied remote description: %d sets", sets)
	}
}

func waitForPeer(t *testing.T, p *fakePeer, cond func(remoteSets, nCand, restarts int) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sets, n, r, _ := p.snapshot()
		if cond(sets, n, r) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	sets, n, r, _ := p.snapshot()
	t.Fatalf("peer condition not reached (sets=%d cands=%d restarts=%d)", sets, n, r)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	ctx := context.Background()

	d := NewDialer(ch, gw, "alice", "", testOptions(nil))
	s, err := d.Dial(ctx, "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { s.Hangup(); waitDone(t, s) }()

	// Candidates land before any answer exists.
	for _, c := range []string{"a-1", "a-2", "a-3"} {
		if err := ch.AppendCandidate(ctx, s.ID(), signal.OriginAnswerer, c); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	p := gw.peer(0)
	if _, n, _, _ := p.snapshot(); n != 0 {
		t.Fatalf("candidates applied before remote description: %d", n)
	}

	answerSignal(t, ch, s.ID())
	waitForPeer(t, p, func(sets, n, _ int) bool { return sets == 1 && n == 3 })

	p.mu.Lock()
	got := append([]string(nil), p.candidates...)
	p.mu.Unlock()
	for i, want := range []string{"a-1", "a-2", "a-3"} {
		if got[i] != want {
			t.Fatalf("flush order broken: %v", got)
		}
	}

	// Late candidates apply directly now that the description is set.
	if err := ch.AppendCandidate(ctx, s.ID(), signal.OriginAnswerer, "a-4"); err != nil {
		t.Fatal(err)
	}
	waitForPeer(t, p, func(_, n, _ int) bool { return n == 4 })
}

func TestRejectedCallHasZeroDuration(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "", testOptions(hist))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	rejected := signal.StatusRejected
	if err := ch.UpdateSignal(context.Background(), s.ID(), signal.Update{Status: &rejected}); err != nil {
		t.Fatal(err)
	}

	waitDone(t, s)
	if s.State() != StateRejected {
		t.Fatalf("expected rejected, got %s", s.State())
	}
	sums := hist.list()
	if len(sums) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sums))
	}
	if sums[0].FinalStatus != FinalRejected || sums[0].DurationSeconds != 0 {
		t.Fatalf("bad summary: %+v", sums[0])
	}

	_, _, _, closed := gw.peer(0).snapshot()
	if !closed {
		t.Fatal("peer connection not closed on reject")
	}
}

func TestRingTimeoutMarksMissed(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	opts := testOptions(hist)
	opts.RingTimeout = 60 * time.Millisecond
	d := NewDialer(ch, gw, "alice", "", opts)
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	waitDone(t, s)
	if s.State() != StateEnded {
		t.Fatalf("expected ended, got %s", s.State())
	}
	sums := hist.list()
	if len(sums) != 1 || sums[0].FinalStatus != FinalMissed {
		t.Fatalf("expected one missed record, got %+v", sums)
	}

	cs, _ := ch.Signal(s.ID())
	if cs.Status != signal.StatusEnded {
		t.Fatalf("offerer must write ended on timeout, got %s", cs.Status)
	}
}

func TestICEFailureRestartsOnceThenFails(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "", testOptions(hist))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	answerSignal(t, ch, s.ID())
	waitState(t, s, StateNegotiating)
	p := gw.peer(0)
	p.fireConnState(media.StateConnected)
	waitState(t, s, StateConnected)

	p.fireConnState(media.StateFailed)
	waitForPeer(t, p, func(_, _, restarts int) bool { return restarts == 1 })
	if s.State().Terminal() {
		t.Fatalf("first failure must not be terminal, state %s", s.State())
	}

	p.fireConnState(media.StateFailed)
	waitDone(t, s)
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
	if !errors.Is(s.Err(), ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", s.Err())
	}
	if len(hist.list()) != 1 {
		t.Fatalf("expected exactly one history record, got %d", len(hist.list()))
	}
}

func TestHangupIdempotent(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "", testOptions(hist))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	s.Hangup()
	waitDone(t, s)
	s.Hangup()
	s.Hangup()
	time.Sleep(20 * time.Millisecond)

	if len(hist.list()) != 1 {
		t.Fatalf("repeated hangup duplicated history: %d records", len(hist.list()))
	}
}

func TestDialerDuplicateCallGuard(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}

	d := NewDialer(ch, gw, "alice", "", testOptions(nil))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := d.Dial(context.Background(), "bob", signal.KindAudio); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}

	if id, ok := d.Active("bob"); !ok || id != s.ID() {
		t.Fatalf("Active(bob) = %q, %v", id, ok)
	}

	s.Hangup()
	waitDone(t, s)
	// The pair frees up once the session terminates.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Active("bob"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pair never released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s2, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatalf("redial after hangup: %v", err)
	}
	s2.Hangup()
	waitDone(t, s2)
}

func TestDialMediaFailureLeavesNoSignal(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{mediaErr: media.ErrMediaPermissionDenied}

	d := NewDialer(ch, gw, "alice", "", testOptions(nil))
	if _, err := d.Dial(context.Background(), "bob", signal.KindAudio); !errors.Is(err, media.ErrMediaPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}

	// The pair must be released for a retry.
	gw.mediaErr = nil
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatalf("retry after media failure: %v", err)
	}
	s.Hangup()
	waitDone(t, s)
}

func TestDialerSetCallOptionsAppliesToNewCalls(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "", testOptions(hist))
	d.SetCallOptions(40*time.Millisecond, []string{"turn:relay.example.org:3478"})

	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatal(err)
	}

	p := gw.peer(0)
	if len(p.iceServers) != 1 || p.iceServers[0] != "turn:relay.example.org:3478" {
		t.Fatalf("updated ice servers not used: %v", p.iceServers)
	}

	// Nobody answers: the updated ring timeout must fire.
	waitDone(t, s)
	sums := hist.list()
	if len(sums) != 1 || sums[0].FinalStatus != FinalMissed {
		t.Fatalf("expected one missed record, got %+v", sums)
	}
}

func TestDialWithoutDevicesGoesReceiveOnly(t *testing.T) {
	ch := signal.NewMemoryChannel()
	defer ch.Close()
	gw := &fakeGateway{mediaErr: media.ErrDeviceUnavailable}
	hist := &historySink{}

	d := NewDialer(ch, gw, "alice", "", testOptions(hist))
	s, err := d.Dial(context.Background(), "bob", signal.KindAudio)
	if err != nil {
		t.Fatalf("device-less dial should proceed receive-only: %v", err)
	}
	waitState(t, s, StateRinging)
	if !s.ToggleAudio() {
		t.Fatal("no local media, toggle must report muted")
	}

	answerSignal(t, ch, s.ID())
	waitState(t, s, StateNegotiating)

	s.Hangup()
	waitDone(t, s)
	if len(hist.list()) != 1 {
		t.Fatalf("expected one record, got %d", len(hist.list()))
	}
}
