package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
)

// Gossip topic names. Version-suffixed so incompatible schema changes can
// coexist on the same mesh during upgrades.
const (
	SignalTopic    = "callwire.sig.v1"
	CandidateTopic = "callwire.cand.v1"
)

// Envelope kinds on the gossip topics.
const (
	envSignal    = "signal"
	envCandidate = "candidate"
)

// wireEnvelope is the JSON message published on the gossip topics. Signal
// envelopes always carry the full record: offer/answer are write-once and
// status only advances, so receivers merge full states monotonically and
// converge under at-least-once, loosely ordered delivery.
type wireEnvelope struct {
	Kind      string           `json:"kind"`
	Signal    *CallSignal      `json:"signal,omitempty"`
	Candidate *CandidateRecord `json:"candidate,omitempty"`
}

// PubSubChannel is the production Channel backend: call-signal records and
// candidate sub-records ride libp2p gossipsub topics, with a MemoryChannel
// as the local materialized view that subscribers attach to.
type PubSubChannel struct {
	host   host.Host
	view   *MemoryChannel
	sigT   *pubsub.Topic
	candT  *pubsub.Topic
	cancel context.CancelFunc
}

// NewPubSubChannel joins the signaling topics on ps and starts the reader
// loops. The caller owns h and ps; Close only leaves the topics.
func NewPubSubChannel(ctx context.Context, h host.Host, ps *pubsub.PubSub) (*PubSubChannel, error) {
	sigT, err := ps.Join(SignalTopic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", SignalTopic, err)
	}
	candT, err := ps.Join(CandidateTopic)
	if err != nil {
		sigT.Close()
		return nil, fmt.Errorf("join %s: %w", CandidateTopic, err)
	}

	sigSub, err := sigT.Subscribe()
	if err != nil {
		sigT.Close()
		candT.Close()
		return nil, err
	}
	candSub, err := candT.Subscribe()
	if err != nil {
		sigSub.Cancel()
		sigT.Close()
		candT.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c := &PubSubChannel{
		host:   h,
		view:   NewMemoryChannel(),
		sigT:   sigT,
		candT:  candT,
		cancel: cancel,
	}
	go c.readLoop(loopCtx, sigSub)
	go c.readLoop(loopCtx, candSub)
	return c, nil
}

// CreateSignal assigns the id locally, applies the record to the view and
// publishes it on the signal topic.
func (c *PubSubChannel) CreateSignal(ctx context.Context, from, to, displayName string, kind Kind) (string, error) {
	id, err := c.view.CreateSignal(ctx, from, to, displayName, kind)
	if err != nil {
		return "", err
	}
	cs, _ := c.view.Signal(id)
	if err := c.publishSignal(ctx, cs); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateSignal validates the update against the view, then republishes the
// merged record. Concurrent writers are safe: the two roles own disjoint
// write-once fields and status flips merge monotonically on every peer.
func (c *PubSubChannel) UpdateSignal(ctx context.Context, id string, upd Update) error {
	if err := c.view.UpdateSignal(ctx, id, upd); err != nil {
		return err
	}
	cs, ok := c.view.Signal(id)
	if !ok {
		return ErrUnknownSignal
	}
	return c.publishSignal(ctx, cs)
}

// AppendCandidate appends to the view and publishes the sub-record.
func (c *PubSubChannel) AppendCandidate(ctx context.Context, id string, origin Origin, candidate string) error {
	if err := c.view.AppendCandidate(ctx, id, origin, candidate); err != nil {
		return err
	}
	recs := c.view.candidatesOf(id)
	if len(recs) == 0 {
		return ErrUnknownSignal
	}
	rec := recs[len(recs)-1]
	b, _ := json.Marshal(wireEnvelope{Kind: envCandidate, Candidate: &rec})
	return c.candT.Publish(ctx, b)
}

func (c *PubSubChannel) SubscribeSignal(id string, fn func(CallSignal)) (func(), error) {
	return c.view.SubscribeSignal(id, fn)
}

func (c *PubSubChannel) SubscribeInbox(identity string, status Status, fn func(CallSignal)) (func(), error) {
	return c.view.SubscribeInbox(identity, status, fn)
}

func (c *PubSubChannel) SubscribeCandidates(id string, origin Origin, fn func(CandidateRecord)) (func(), error) {
	return c.view.SubscribeCandidates(id, origin, fn)
}

// Close stops the reader loops, leaves the topics and cancels every local
// subscription. The libp2p host stays up — it belongs to the bootstrapper.
func (c *PubSubChannel) Close() error {
	c.cancel()
	_ = c.sigT.Close()
	_ = c.candT.Close()
	return c.view.Close()
}

func (c *PubSubChannel) publishSignal(ctx context.Context, cs CallSignal) error {
	b, _ := json.Marshal(wireEnvelope{Kind: envSignal, Signal: &cs})
	return c.sigT.Publish(ctx, b)
}

// readLoop drains one gossip subscription into the local view. Self-origin
// messages are skipped — local writes already went through the view.
func (c *PubSubChannel) readLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == c.host.ID() {
			continue
		}

		var env wireEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("SIGNAL: bad envelope from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		switch {
		case env.Kind == envSignal && env.Signal != nil:
			if err := env.Signal.Validate(); err != nil {
				log.Printf("SIGNAL: dropping invalid record %s: %v", env.Signal.ID, err)
				continue
			}
			c.view.applySignal(*env.Signal)
		case env.Kind == envCandidate && env.Candidate != nil:
			c.view.ensureSignal(env.Candidate.SignalID)
			c.view.applyCandidate(*env.Candidate)
		default:
			log.Printf("SIGNAL: unknown envelope kind %q", env.Kind)
		}
	}
}
