// Package media wraps local media capture and the peer connection behind a
// narrow gateway surface. The call state machine drives only this package;
// coupling to Pion is contained in the implementation files.
package media

import (
	"errors"

	"github.com/stayline/callwire/internal/signal"
)

// Acquisition failures. Neither is retried automatically — both need a user
// decision (grant permission, plug in a device).
var (
	ErrMediaPermissionDenied = errors.New("media: permission denied")
	ErrDeviceUnavailable     = errors.New("media: no usable capture device")
)

// Negotiation guards.
var (
	// ErrRemoteDescriptionSet guards against applying a remote description
	// twice; the session logs and ignores it as a negotiation conflict.
	ErrRemoteDescriptionSet = errors.New("media: remote description already set")

	// ErrNoRemoteDescription is returned by AddRemoteCandidate before the
	// remote description is applied. Callers buffer and flush, never drop.
	ErrNoRemoteDescription = errors.New("media: no remote description yet")
)

// ConnState mirrors the peer-connection state the session reacts to.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Gateway creates the two per-call resources. Both are owned exclusively by
// one call session for its lifetime.
type Gateway interface {
	// AcquireLocalMedia opens camera/microphone. May block on an OS
	// permission prompt for an unbounded time — never call it from a
	// delivery callback.
	AcquireLocalMedia(wantVideo bool) (LocalMedia, error)

	// CreatePeerConnection builds a peer connection configured with the
	// given connectivity-helper (STUN/TURN) server URIs.
	CreatePeerConnection(iceServers []string) (PeerConn, error)
}

// LocalMedia is a handle on the captured local tracks.
type LocalMedia interface {
	// ToggleAudio flips the microphone. Returns the new muted state.
	ToggleAudio() bool
	// ToggleVideo flips the camera. Returns the new disabled state.
	ToggleVideo() bool
	// Close stops all local tracks. Idempotent.
	Close()
}

// PeerConn is one peer connection. Event callbacks must be registered
// before negotiation starts and are invoked on gateway-owned goroutines.
type PeerConn interface {
	AttachLocalTracks(m LocalMedia) error

	CreateOffer() (signal.Description, error)
	CreateAnswer() (signal.Description, error)
	SetLocalDescription(d signal.Description) error
	// SetRemoteDescription fails with ErrRemoteDescriptionSet when a
	// remote description was already applied.
	SetRemoteDescription(d signal.Description) error
	HasRemoteDescription() bool

	// AddRemoteCandidate applies one opaque candidate blob. Fails with
	// ErrNoRemoteDescription before SetRemoteDescription.
	AddRemoteCandidate(candidate string) error

	// RestartICE triggers a fresh candidate gathering round on the
	// existing connection. New candidates flow through OnLocalCandidate.
	RestartICE() error

	OnLocalCandidate(fn func(candidate string))
	OnRemoteTrack(fn func(t Track))
	OnConnectionStateChange(fn func(s ConnState))

	// Close releases the connection. Idempotent.
	Close() error
}

// Track describes one remote media track. The Pion internals are only set
// by the Pion gateway; RunSink needs them, the call core does not.
type Track struct {
	Kind string // "audio" | "video"
	ID   string

	remote    remoteTrackReader
	sendPLI   func() error
	hasRemote bool
}
