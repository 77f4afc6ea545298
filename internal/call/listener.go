package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stayline/callwire/internal/media"
	"github.com/stayline/callwire/internal/signal"
)

// IncomingCall is one ringing inbound call. Exactly one of Accept or
// Reject should be called; both are safe against a call that already
// terminated remotely.
type IncomingCall struct {
	Signal signal.CallSignal

	l *Listener
}

// From returns the caller identity.
func (ic *IncomingCall) From() string { return ic.Signal.From }

// DisplayName returns the caller's advertised display name.
func (ic *IncomingCall) DisplayName() string { return ic.Signal.FromDisplayName }

// Accept answers the call: local media and the peer connection are ready
// and subscriptions are in place before the status flips to accepted, so
// the offer that follows the flip can never be missed.
func (ic *IncomingCall) Accept(ctx context.Context) (*Session, error) {
	return ic.l.accept(ctx, ic.Signal)
}

// Reject declines the call without touching any media device.
func (ic *IncomingCall) Reject(ctx context.Context) error {
	st := signal.StatusRejected
	if err := ic.l.ch.UpdateSignal(ctx, ic.Signal.ID, signal.Update{Status: &st}); err != nil {
		return fmt.Errorf("reject call %s: %w", ic.Signal.ID, err)
	}
	log.Printf("CALL [%s]: rejected %s", ic.Signal.ID, ic.Signal.From)
	return nil
}

// Listener watches the inbox for ringing calls addressed to one identity
// and hands each new one to the registered handlers exactly once.
type Listener struct {
	ch     signal.Channel
	gw     media.Gateway
	selfID string
	opts   Options

	mu       sync.Mutex
	seen     map[string]struct{}
	handlers []func(*IncomingCall)
	cancel   func()
	closed   bool
}

// NewListener subscribes to the ringing inbox for selfID and starts
// dispatching immediately. Register handlers with OnIncoming first if
// replayed calls must not be dropped; handlers added later only see calls
// arriving afterwards.
func NewListener(ch signal.Channel, gw media.Gateway, selfID string, opts Options) (*Listener, error) {
	l := &Listener{
		ch:     ch,
		gw:     gw,
		selfID: selfID,
		opts:   opts,
		seen:   make(map[string]struct{}),
	}
	cancel, err := ch.SubscribeInbox(selfID, signal.StatusRinging, l.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	l.cancel = cancel
	return l, nil
}

// OnIncoming registers a handler for new inbound calls. Handlers run on
// their own goroutine, so they may call Accept or Reject directly.
func (l *Listener) OnIncoming(fn func(*IncomingCall)) {
	l.mu.Lock()
	l.handlers = append(l.handlers, fn)
	l.mu.Unlock()
}

// SetCallOptions applies a new ring timeout and ICE server list to calls
// accepted from now on. Live sessions keep what they were built with.
func (l *Listener) SetCallOptions(ringTimeout time.Duration, iceServers []string) {
	l.mu.Lock()
	l.opts.RingTimeout = ringTimeout
	l.opts.ICEServers = append([]string(nil), iceServers...)
	l.mu.Unlock()
}

func (l *Listener) callOpts() Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// dispatch runs on the channel delivery goroutine: dedup by signal id,
// then fan out on a fresh goroutine so a handler calling back into the
// channel cannot deadlock delivery.
func (l *Listener) dispatch(cs signal.CallSignal) {
	if cs.From == l.selfID {
		return // own outbound ring echoed back
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, dup := l.seen[cs.ID]; dup {
		l.mu.Unlock()
		return
	}
	l.seen[cs.ID] = struct{}{}
	handlers := make([]func(*IncomingCall), len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	log.Printf("CALL [%s]: incoming %s call from %s", cs.ID, cs.Kind, cs.From)
	ic := &IncomingCall{Signal: cs, l: l}
	go func() {
		for _, fn := range handlers {
			fn(ic)
		}
	}()
}

// accept builds the answerer session. Order matters: wire subscriptions
// first, then flip the status — the channel replays the current record on
// subscribe, so the offer posted after the flip is always observed.
func (l *Listener) accept(ctx context.Context, cs signal.CallSignal) (*Session, error) {
	opts := l.callOpts()

	lm, err := l.gw.AcquireLocalMedia(cs.Kind == signal.KindVideo)
	if err != nil {
		if !errors.Is(err, media.ErrDeviceUnavailable) {
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		log.Printf("CALL [%s]: no capture device, answering receive-only", cs.ID)
		lm = nil
	}
	pc, err := l.gw.CreatePeerConnection(opts.ICEServers)
	if err != nil {
		if lm != nil {
			lm.Close()
		}
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if err := pc.AttachLocalTracks(lm); err != nil {
		if lm != nil {
			lm.Close()
		}
		_ = pc.Close()
		return nil, fmt.Errorf("attach tracks: %w", err)
	}

	s := newSession(cs.ID, RoleAnswerer, cs, l.ch, opts)
	s.localMedia = lm
	s.pc = pc
	s.acceptedAt = time.Now()
	if err := s.wire(); err != nil {
		if lm != nil {
			lm.Close()
		}
		_ = pc.Close()
		return nil, err
	}
	s.state.Store(int32(StateRinging))
	// Bound the wait for the offer: if the offerer dies right after we
	// accept, the session must not hold the devices forever.
	s.armRingTimer()
	go s.run()

	accepted := signal.StatusAccepted
	if err := l.ch.UpdateSignal(ctx, cs.ID, signal.Update{Status: &accepted}); err != nil {
		s.Hangup()
		<-s.Done()
		return nil, fmt.Errorf("accept call %s: %w", cs.ID, err)
	}
	log.Printf("CALL [%s]: accepted %s call from %s", cs.ID, cs.Kind, cs.From)
	return s, nil
}

// Close stops inbox dispatch. Active sessions are unaffected.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
}
