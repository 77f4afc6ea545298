// Package call implements the per-call state machine and the components
// that create sessions: the Dialer for outbound calls and the Listener for
// inbound ones. A session owns its media handle and peer connection
// exclusively and talks to the remote side only through signal.Channel
// records.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/stayline/callwire/internal/media"
	"github.com/stayline/callwire/internal/signal"
)

// Role of a session in the negotiation. Only the offerer ever creates an
// offer or initiates an ICE restart; the answerer only responds.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

func (r Role) origin() signal.Origin {
	if r == RoleOfferer {
		return signal.OriginOfferer
	}
	return signal.OriginAnswerer
}

// State of a session. Terminal states are Ended, Rejected and Failed.
type State int32

const (
	StateIdle State = iota
	StateRinging
	StateNegotiating
	StateConnected
	StateEnded
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session is finished in this state.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateFailed
}

// FinalStatus is what a terminated call becomes in the history record.
type FinalStatus string

const (
	FinalEnded    FinalStatus = "ended"
	FinalRejected FinalStatus = "rejected"
	FinalMissed   FinalStatus = "missed"
)

// Summary is the history payload emitted exactly once per session on
// termination. Duration counts from accept to end; a call that was never
// accepted has duration 0.
type Summary struct {
	SignalID        string
	From            string
	To              string
	FromDisplayName string
	Kind            signal.Kind
	FinalStatus     FinalStatus
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64
}

// ErrCallFailed is the terminal error for ICE failure after the automatic
// restart, or a critical signaling write that failed twice.
var ErrCallFailed = errors.New("call: failed")

// DefaultRingTimeout bounds how long an unanswered outbound call rings
// before it is recorded as missed.
const DefaultRingTimeout = 45 * time.Second

// writeRetryDelay is the pause before the single retry of a critical
// signaling write.
const writeRetryDelay = 500 * time.Millisecond

// Options configures session construction. Callbacks are invoked from the
// session's own loop goroutine and must not block.
type Options struct {
	RingTimeout time.Duration
	ICEServers  []string

	OnState       func(s *Session, st State)
	OnRemoteTrack func(s *Session, t media.Track)
	OnHistory     func(sum Summary)
}

func (o Options) ringTimeout() time.Duration {
	if o.RingTimeout <= 0 {
		return DefaultRingTimeout
	}
	return o.RingTimeout
}

// event kinds drained by the session loop. Everything that can touch
// session state arrives here, serializing the concurrent sources: channel
// subscriptions, media callbacks and local requests.
type evKind int

const (
	evSignal evKind = iota
	evCandidate
	evConnState
	evRemoteTrack
	evHangup
	evRingTimeout
)

type event struct {
	kind      evKind
	sig       signal.CallSignal
	candidate signal.CandidateRecord
	conn      media.ConnState
	track     media.Track
}

// Session is one active call. All state transitions happen on the single
// loop goroutine; public methods only enqueue.
type Session struct {
	id   string
	role Role
	kind signal.Kind
	peer string

	from, to, fromName string

	ch   signal.Channel
	opts Options

	localMedia media.LocalMedia
	pc         media.PeerConn

	events chan event
	done   chan struct{}

	state atomic.Int32

	// Loop-owned negotiation state.
	lastStatus    signal.Status
	remoteApplied bool
	offerSent     bool
	answerSent    bool
	iceRestarts   int
	candBuf       []string
	candSeen      map[string]struct{}
	acceptedAt    time.Time
	startedAt     time.Time
	ringTimer     *time.Timer
	cancels       []func()
	historyDone   bool
	err           error
}

func newSession(id string, role Role, cs signal.CallSignal, ch signal.Channel, opts Options) *Session {
	s := &Session{
		id:         id,
		role:       role,
		kind:       cs.Kind,
		from:       cs.From,
		to:         cs.To,
		fromName:   cs.FromDisplayName,
		ch:         ch,
		opts:       opts,
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		lastStatus: cs.Status,
		candSeen:   make(map[string]struct{}),
		startedAt:  time.Now(),
	}
	if role == RoleOfferer {
		s.peer = cs.To
	} else {
		s.peer = cs.From
	}
	s.state.Store(int32(StateIdle))
	return s
}

// ID returns the signal record id this session is bound to.
func (s *Session) ID() string { return s.id }

// Role returns the session's negotiation role.
func (s *Session) Role() Role { return s.role }

// Kind returns the media kind of the call.
func (s *Session) Kind() signal.Kind { return s.kind }

// Peer returns the remote identity.
func (s *Session) Peer() string { return s.peer }

// State returns the current state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session reaches a terminal state and every
// resource has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports the terminal error, if any. Valid once Done is closed.
func (s *Session) Err() error { return s.err }

// Hangup requests a local hangup. Safe to call at any time, any number of
// times; a terminated session ignores it.
func (s *Session) Hangup() {
	s.enqueue(event{kind: evHangup})
}

// ToggleAudio flips the local microphone. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	if s.localMedia == nil {
		return true
	}
	muted := s.localMedia.ToggleAudio()
	log.Printf("CALL [%s]: audio muted=%v", s.id, muted)
	return muted
}

// ToggleVideo flips the local camera. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	if s.localMedia == nil {
		return true
	}
	disabled := s.localMedia.ToggleVideo()
	log.Printf("CALL [%s]: video disabled=%v", s.id, disabled)
	return disabled
}

// enqueue delivers an event to the loop without dropping: subscriptions
// run on their own delivery goroutines, so blocking here only stalls one
// stream and preserves its order.
func (s *Session) enqueue(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// wire registers media callbacks and channel subscriptions. Runs before
// the status flip that triggers the remote side; the channel replays
// current state on subscribe, so nothing is lost in between.
func (s *Session) wire() error {
	s.pc.OnConnectionStateChange(func(st media.ConnState) {
		s.enqueue(event{kind: evConnState, conn: st})
	})
	s.pc.OnRemoteTrack(func(t media.Track) {
		s.enqueue(event{kind: evRemoteTrack, track: t})
	})
	s.pc.OnLocalCandidate(func(cand string) {
		// Candidate writes are fire-and-forget; losing one degrades
		// connectivity but the remaining candidates usually suffice.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.ch.AppendCandidate(ctx, s.id, s.role.origin(), cand); err != nil {
			log.Printf("CALL [%s]: append candidate: %v", s.id, err)
		}
	})

	cancelCand, err := s.ch.SubscribeCandidates(s.id, s.role.origin().Other(), func(rec signal.CandidateRecord) {
		s.enqueue(event{kind: evCandidate, candidate: rec})
	})
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	s.cancels = append(s.cancels, cancelCand)

	cancelSig, err := s.ch.SubscribeSignal(s.id, func(cs signal.CallSignal) {
		s.enqueue(event{kind: evSignal, sig: cs})
	})
	if err != nil {
		return fmt.Errorf("subscribe signal: %w", err)
	}
	s.cancels = append(s.cancels, cancelSig)
	return nil
}

// run is the session loop, the only goroutine that mutates session state.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			switch ev.kind {
			case evSignal:
				s.handleSignal(ev.sig)
			case evCandidate:
				s.handleCandidate(ev.candidate)
			case evConnState:
				s.handleConnState(ev.conn)
			case evRemoteTrack:
				log.Printf("CALL [%s]: remote %s track %s", s.id, ev.track.Kind, ev.track.ID)
				if s.opts.OnRemoteTrack != nil {
					s.opts.OnRemoteTrack(s, ev.track)
				}
			case evHangup:
				s.finish(StateEnded, FinalEnded, true)
			case evRingTimeout:
				s.handleRingTimeout()
			}
			if s.State().Terminal() {
				return
			}
		}
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	log.Printf("CALL [%s]: %s (%s)", s.id, st, s.role)
	if s.opts.OnState != nil {
		s.opts.OnState(s, st)
	}
}

// handleSignal applies one delivered record state. Deliveries are
// at-least-once, so every branch is apply-if-changed.
func (s *Session) handleSignal(cs signal.CallSignal) {
	s.lastStatus = cs.Status

	switch s.role {
	case RoleOfferer:
		if cs.Status == signal.StatusAccepted && s.State() == StateRinging {
			s.stopRingTimer()
			s.acceptedAt = time.Now()
			s.setState(StateNegotiating)
			s.sendOffer()
		}
		if cs.Answer != nil {
			if !s.offerSent {
				// Answer with no prior offer: negotiation conflict.
				log.Printf("CALL [%s]: answer before offer, ignoring", s.id)
			} else if !s.remoteApplied {
				s.applyRemote(*cs.Answer)
			}
		}
	case RoleAnswerer:
		if cs.Offer != nil && !s.remoteApplied {
			s.applyRemote(*cs.Offer)
			if s.remoteApplied {
				s.sendAnswer()
			}
		}
	}
	if s.State().Terminal() {
		return
	}

	switch cs.Status {
	case signal.StatusRejected:
		if s.role == RoleOfferer {
			s.finish(StateRejected, FinalRejected, false)
		}
	case signal.StatusEnded:
		s.finish(StateEnded, FinalEnded, false)
	}
}

// sendOffer runs the offerer's negotiation step: create, apply locally,
// publish.
func (s *Session) sendOffer() {
	if s.offerSent {
		return
	}
	offer, err := s.pc.CreateOffer()
	if err != nil {
		s.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	if !s.writeCritical("offer", signal.Update{Offer: &offer}) {
		return
	}
	s.offerSent = true
}

// sendAnswer runs the answerer's response step. Guarded so duplicate offer
// deliveries produce exactly one answer.
func (s *Session) sendAnswer() {
	if s.answerSent {
		return
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		s.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	if !s.writeCritical("answer", signal.Update{Answer: &answer}) {
		return
	}
	s.answerSent = true
	if s.State() == StateRinging {
		s.stopRingTimer()
		s.setState(StateNegotiating)
	}
}

// applyRemote sets the remote description once and flushes the candidate
// buffer in arrival order. A double apply is a negotiation conflict:
// logged and ignored, the session stays up.
func (s *Session) applyRemote(d signal.Description) {
	if err := s.pc.SetRemoteDescription(d); err != nil {
		if errors.Is(err, media.ErrRemoteDescriptionSet) {
			log.Printf("CALL [%s]: duplicate remote description, ignoring", s.id)
			return
		}
		s.fail(fmt.Errorf("set remote description: %w", err))
		return
	}
	s.remoteApplied = true
	for _, cand := range s.candBuf {
		if err := s.pc.AddRemoteCandidate(cand); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.id, err)
		}
	}
	s.candBuf = nil
}

// handleCandidate applies or buffers one remote candidate. Duplicate
// deliveries are dropped by record id; candidates arriving before the
// remote description are buffered and flushed in arrival order.
func (s *Session) handleCandidate(rec signal.CandidateRecord) {
	if _, dup := s.candSeen[rec.ID]; dup {
		return
	}
	s.candSeen[rec.ID] = struct{}{}

	if !s.remoteApplied {
		s.candBuf = append(s.candBuf, rec.Candidate)
		return
	}
	if err := s.pc.AddRemoteCandidate(rec.Candidate); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

// handleConnState reacts to peer-connection state changes. The first ICE
// failure gets one automatic restart, initiated by the offerer only; the
// second is fatal.
func (s *Session) handleConnState(st media.ConnState) {
	switch st {
	case media.StateConnected:
		if s.State() == StateNegotiating {
			s.setState(StateConnected)
		}
	case media.StateDisconnected:
		log.Printf("CALL [%s]: ice disconnected, waiting for recovery", s.id)
	case media.StateFailed:
		s.iceRestarts++
		if s.iceRestarts > 1 {
			s.fail(fmt.Errorf("%w: ice failed after restart", ErrCallFailed))
			return
		}
		log.Printf("CALL [%s]: ice failed, restarting once", s.id)
		if s.role == RoleOfferer {
			if err := s.pc.RestartICE(); err != nil {
				s.fail(fmt.Errorf("%w: ice restart: %v", ErrCallFailed, err))
			}
		}
	}
}

func (s *Session) handleRingTimeout() {
	if s.State() != StateRinging {
		return // raced with accept
	}
	if s.role == RoleAnswerer {
		// We accepted but the offer never arrived: the offerer is gone
		// and nobody reads this record anymore. Release devices and go
		// away without writing status or history.
		log.Printf("CALL [%s]: no offer after accept, tearing down", s.id)
		s.historyDone = true
		s.finish(StateEnded, FinalEnded, false)
		return
	}
	log.Printf("CALL [%s]: ring timeout, marking missed", s.id)
	s.finish(StateEnded, FinalMissed, true)
}

// fail terminates the session with ErrCallFailed semantics.
func (s *Session) fail(err error) {
	log.Printf("CALL [%s]: %v", s.id, err)
	s.err = err
	s.finish(StateFailed, FinalEnded, true)
}

// writeCritical performs a signaling write that the state machine cannot
// proceed without: one retry, then CallFailed. Returns true on success.
func (s *Session) writeCritical(what string, upd signal.Update) bool {
	for attempt := 0; attempt < 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.ch.UpdateSignal(ctx, s.id, upd)
		cancel()
		if err == nil {
			return true
		}
		log.Printf("CALL [%s]: write %s (attempt %d): %v", s.id, what, attempt+1, err)
		if attempt == 0 {
			time.Sleep(writeRetryDelay)
		}
	}
	s.fail(fmt.Errorf("%w: posting %s", ErrCallFailed, what))
	return false
}

func (s *Session) armRingTimer() {
	s.ringTimer = time.AfterFunc(s.opts.ringTimeout(), func() {
		s.enqueue(event{kind: evRingTimeout})
	})
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// finish is the single teardown path. Idempotent: unsubscribe everything,
// stop local media, close the peer connection, write a terminal status if
// the record has none, emit the history record exactly once.
func (s *Session) finish(st State, final FinalStatus, writeStatus bool) {
	select {
	case <-s.done:
		return
	default:
	}

	s.stopRingTimer()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil

	if s.localMedia != nil {
		s.localMedia.Close()
	}
	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.id, err)
		}
	}

	if writeStatus && !s.lastStatus.Terminal() {
		ended := signal.StatusEnded
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.ch.UpdateSignal(ctx, s.id, signal.Update{Status: &ended}); err != nil {
			log.Printf("CALL [%s]: terminal status write: %v", s.id, err)
		}
		cancel()
		s.lastStatus = ended
	}

	if !s.historyDone {
		s.historyDone = true
		s.emitHistory(final)
	}

	s.setState(st)
	close(s.done)
}

// emitHistory computes the duration from accept time and hands the summary
// to the recorder. A call that never reached Accepted has duration 0.
func (s *Session) emitHistory(final FinalStatus) {
	endedAt := time.Now()
	var dur int64
	if !s.acceptedAt.IsZero() {
		dur = int64(endedAt.Sub(s.acceptedAt).Seconds())
		if dur < 0 {
			dur = 0
		}
	}
	sum := Summary{
		SignalID:        s.id,
		From:            s.from,
		To:              s.to,
		FromDisplayName: s.fromName,
		Kind:            s.kind,
		FinalStatus:     final,
		StartedAt:       s.startedAt,
		EndedAt:         endedAt,
		DurationSeconds: dur,
	}
	if s.opts.OnHistory != nil {
		s.opts.OnHistory(sum)
	}
}
