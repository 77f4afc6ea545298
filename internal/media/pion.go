package media

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"github.com/stayline/callwire/internal/signal"
)

// PionOptions tunes the WebRTC stack. Zero values get defaults.
type PionOptions struct {
	// ICE timeouts. The default disconnected timeout (5s) is too short for
	// relay paths with brief outages during re-keying or failover; 30s
	// gives ICE time to recover without the user noticing a freeze.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (o *PionOptions) defaults() {
	if o.DisconnectedTimeout == 0 {
		o.DisconnectedTimeout = 30 * time.Second
	}
	if o.FailedTimeout == 0 {
		o.FailedTimeout = 120 * time.Second
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = 2 * time.Second
	}
}

// PionGateway implements Gateway on pion/webrtc with pion/mediadevices
// capture. One gateway serves any number of concurrent sessions; each call
// gets its own LocalMedia and PeerConn.
type PionGateway struct {
	opts     PionOptions
	selector *mediadevices.CodecSelector // nil when this platform has no capture drivers
}

// NewPionGateway builds the gateway. On platforms without capture drivers
// the gateway still works receive-only.
func NewPionGateway(opts PionOptions) (*PionGateway, error) {
	opts.defaults()
	sel, err := newCodecSelector()
	if err != nil {
		return nil, err
	}
	return &PionGateway{opts: opts, selector: sel}, nil
}

// AcquireLocalMedia opens camera/microphone via the platform drivers.
func (g *PionGateway) AcquireLocalMedia(wantVideo bool) (LocalMedia, error) {
	return acquireLocalMedia(g.selector, wantVideo)
}

// CreatePeerConnection builds a peer connection with the capture codecs (or
// the default codec set when capture is unavailable), default interceptors
// and the configured ICE timeouts.
func (g *PionGateway) CreatePeerConnection(iceServers []string) (PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if g.selector != nil {
		g.selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(g.opts.DisconnectedTimeout, g.opts.FailedTimeout, g.opts.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("media: new peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

// pionMedia holds captured mediadevices tracks plus the mute flags.
type pionMedia struct {
	mu      sync.Mutex
	tracks  []mediadevices.Track
	audioOn bool
	videoOn bool
	closed  bool
}

// ToggleAudio flips the mute flag. Returns the new muted state.
func (m *pionMedia) ToggleAudio() bool {
	m.mu.Lock()
	m.audioOn = !m.audioOn
	muted := !m.audioOn
	m.mu.Unlock()
	log.Printf("MEDIA: audio muted=%v", muted)
	return muted
}

// ToggleVideo flips the camera flag. Returns the new disabled state.
func (m *pionMedia) ToggleVideo() bool {
	m.mu.Lock()
	m.videoOn = !m.videoOn
	disabled := !m.videoOn
	m.mu.Unlock()
	log.Printf("MEDIA: video disabled=%v", disabled)
	return disabled
}

func (m *pionMedia) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tracks := m.tracks
	m.mu.Unlock()
	for _, t := range tracks {
		t.Close()
	}
}

// pionPeer wraps one *webrtc.PeerConnection behind the PeerConn surface.
type pionPeer struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	closed    bool
}

func (p *pionPeer) AttachLocalTracks(m LocalMedia) error {
	pm, ok := m.(*pionMedia)
	if !ok || len(pm.tracks) == 0 {
		// Receive-only: add recvonly transceivers so CreateOffer and
		// CreateAnswer still produce valid m-lines with ICE credentials.
		return addRecvOnlyTransceivers(p.pc)
	}
	for _, t := range pm.tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return fmt.Errorf("media: add track: %w", err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (signal.Description, error) {
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("media: create offer: %w", err)
	}
	return fromPion(sd), nil
}

func (p *pionPeer) CreateAnswer() (signal.Description, error) {
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, fmt.Errorf("media: create answer: %w", err)
	}
	return fromPion(sd), nil
}

func (p *pionPeer) SetLocalDescription(d signal.Description) error {
	return p.pc.SetLocalDescription(toPion(d))
}

func (p *pionPeer) SetRemoteDescription(d signal.Description) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return ErrRemoteDescriptionSet
	}
	p.remoteSet = true
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(toPion(d)); err != nil {
		p.mu.Lock()
		p.remoteSet = false
		p.mu.Unlock()
		return fmt.Errorf("media: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSet
}

func (p *pionPeer) AddRemoteCandidate(candidate string) error {
	if !p.HasRemoteDescription() {
		return ErrNoRemoteDescription
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("media: decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

// RestartICE renegotiates locally with an ICE-restart offer. The fresh
// candidates trickle through OnLocalCandidate and the existing candidate
// sub-records; descriptions stay write-once on the wire.
func (p *pionPeer) RestartICE() error {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("media: ice restart offer: %w", err)
	}
	return p.pc.SetLocalDescription(offer)
}

func (p *pionPeer) OnLocalCandidate(fn func(string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("MEDIA: marshal candidate: %v", err)
			return
		}
		fn(string(b))
	})
}

func (p *pionPeer) OnRemoteTrack(fn func(Track)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(newRemoteTrack(p.pc, tr))
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapConnState(s))
	})
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func toPion(d signal.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromPion(sd webrtc.SessionDescription) signal.Description {
	return signal.Description{Type: sd.Type.String(), SDP: sd.SDP}
}

func mapConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

// addRecvOnlyTransceivers adds recvonly video and audio transceivers.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("media: add %s transceiver: %w", kind, err)
		}
	}
	return nil
}
