// Package signal defines the call-signal records exchanged between peers and
// the Channel contract they travel over. The channel is a generic pub/sub
// record store: signaling never carries media, only session descriptions,
// connectivity candidates and status flips.
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the media kind requested for a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Status is the lifecycle state of a CallSignal record.
// Keep values stable — they are persisted by the channel store.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Origin identifies which role produced a candidate record. Each side
// subscribes only to candidates from the other role.
type Origin string

const (
	OriginOfferer  Origin = "offerer"
	OriginAnswerer Origin = "answerer"
)

// Other returns the opposite origin.
func (o Origin) Other() Origin {
	if o == OriginOfferer {
		return OriginAnswerer
	}
	return OriginOfferer
}

// Description is a session-description payload (offer or answer).
type Description struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// CallSignal is one call attempt, persisted as a channel record.
// Offer is written at most once by the offerer, Answer at most once by the
// answerer; readers ignore a second write to an already-set field.
type CallSignal struct {
	ID              string       `json:"id"`
	From            string       `json:"from"`
	To              string       `json:"to"`
	FromDisplayName string       `json:"from_display_name,omitempty"`
	Kind            Kind         `json:"kind"`
	Status          Status       `json:"status"`
	Offer           *Description `json:"offer,omitempty"`
	Answer          *Description `json:"answer,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// CandidateRecord is an append-only sub-record of a CallSignal carrying one
// connectivity candidate. The candidate itself is an opaque blob — this
// package never inspects it.
type CandidateRecord struct {
	ID        string    `json:"id"`
	SignalID  string    `json:"signal_id"`
	Candidate string    `json:"candidate"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidTransition reports whether a status flip from → to is allowed.
// Ringing is the only initial state; Accepted and Rejected may only follow
// Ringing; Ended may follow Ringing (caller hung up before answer) or
// Accepted; Ended and Rejected are terminal.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusRinging:
		return to == StatusAccepted || to == StatusRejected || to == StatusEnded
	case StatusAccepted:
		return to == StatusEnded
	default:
		return false
	}
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Validate checks the fields required at signal creation time.
func (cs *CallSignal) Validate() error {
	if strings.TrimSpace(cs.From) == "" || strings.TrimSpace(cs.To) == "" {
		return errors.New("signal: from and to are required")
	}
	if cs.From == cs.To {
		return errors.New("signal: from and to must differ")
	}
	if cs.Kind != KindAudio && cs.Kind != KindVideo {
		return fmt.Errorf("signal: invalid kind %q", cs.Kind)
	}
	return nil
}

// Clone returns a deep copy so subscribers can't mutate the stored record.
func (cs *CallSignal) Clone() CallSignal {
	out := *cs
	if cs.Offer != nil {
		o := *cs.Offer
		out.Offer = &o
	}
	if cs.Answer != nil {
		a := *cs.Answer
		out.Answer = &a
	}
	return out
}
