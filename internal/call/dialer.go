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

// ErrCallInProgress means a live session already exists between the two
// identities; a second Dial for the same pair is refused until the first
// terminates.
var ErrCallInProgress = errors.New("call: already in progress with peer")

// Dialer places outbound calls. One Dialer per local identity.
type Dialer struct {
	ch       signal.Channel
	gw       media.Gateway
	selfID   string
	selfName string
	opts     Options

	mu     sync.Mutex
	active map[string]string // pair key -> signal id
}

// NewDialer returns a Dialer for selfID. displayName is carried on every
// signal record this dialer creates.
func NewDialer(ch signal.Channel, gw media.Gateway, selfID, displayName string, opts Options) *Dialer {
	return &Dialer{
		ch:       ch,
		gw:       gw,
		selfID:   selfID,
		selfName: displayName,
		opts:     opts,
		active:   make(map[string]string),
	}
}

// pairKey is direction-independent: a call A->B blocks B->A too.
func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

// Dial starts an outbound call to the given identity and returns the
// ringing session. Media is acquired and the peer connection built before
// the signal record is created, so a device failure never leaves a
// dangling ring on the remote side.
func (d *Dialer) Dial(ctx context.Context, to string, kind signal.Kind) (*Session, error) {
	if to == d.selfID {
		return nil, fmt.Errorf("call: cannot dial self")
	}
	key := pairKey(d.selfID, to)

	d.mu.Lock()
	if id, busy := d.active[key]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: signal %s", ErrCallInProgress, id)
	}
	d.active[key] = "" // reserve the pair before any slow work
	d.mu.Unlock()

	s, err := d.dial(ctx, to, kind, d.callOpts())
	if err != nil {
		d.mu.Lock()
		delete(d.active, key)
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	d.active[key] = s.ID()
	d.mu.Unlock()
	go func() {
		<-s.Done()
		d.mu.Lock()
		delete(d.active, key)
		d.mu.Unlock()
	}()
	return s, nil
}

func (d *Dialer) dial(ctx context.Context, to string, kind signal.Kind, opts Options) (*Session, error) {
	lm, err := d.gw.AcquireLocalMedia(kind == signal.KindVideo)
	if err != nil {
		if !errors.Is(err, media.ErrDeviceUnavailable) {
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		log.Printf("CALL: no capture device, dialing %s receive-only", to)
		lm = nil
	}
	pc, err := d.gw.CreatePeerConnection(opts.ICEServers)
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

	id, err := d.ch.CreateSignal(ctx, d.selfID, to, d.selfName, kind)
	if err != nil {
		if lm != nil {
			lm.Close()
		}
		_ = pc.Close()
		return nil, fmt.Errorf("create signal: %w", err)
	}

	cs := signal.CallSignal{
		ID:              id,
		From:            d.selfID,
		To:              to,
		FromDisplayName: d.selfName,
		Kind:            kind,
		Status:          signal.StatusRinging,
	}
	s := newSession(id, RoleOfferer, cs, d.ch, opts)
	s.localMedia = lm
	s.pc = pc
	if err := s.wire(); err != nil {
		if lm != nil {
			lm.Close()
		}
		_ = pc.Close()
		return nil, err
	}
	s.state.Store(int32(StateRinging))
	s.armRingTimer()
	go s.run()
	log.Printf("CALL [%s]: dialing %s (%s)", id, to, kind)
	return s, nil
}

// SetCallOptions applies a new ring timeout and ICE server list to calls
// dialed from now on. Live sessions keep what they were dialed with.
func (d *Dialer) SetCallOptions(ringTimeout time.Duration, iceServers []string) {
	d.mu.Lock()
	d.opts.RingTimeout = ringTimeout
	d.opts.ICEServers = append([]string(nil), iceServers...)
	d.mu.Unlock()
}

func (d *Dialer) callOpts() Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts
}

// Active returns the signal id of the live call with peer, if any.
func (d *Dialer) Active(peer string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.active[pairKey(d.selfID, peer)]
	return id, ok && id != ""
}
