package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024

	// Reconnect backoff after a dropped connection. Delivery failures on
	// the channel are retried here; the sessions above never see them
	// unless the retries are exhausted.
	wsReconnectBase = time.Second
	wsReconnectMax  = 30 * time.Second
	wsReconnectCap  = 8
)

// WSChannel is a Channel backend for deployments with a central signal
// relay. Records and candidates travel as JSON envelopes over a single
// websocket; the relay broadcasts them to every connected client and
// replays its stored records on connect, which gives subscribers the
// current-state-on-subscribe guarantee across reconnects.
type WSChannel struct {
	serverURL string
	view      *MemoryChannel

	mu     sync.Mutex
	conn   *websocket.Conn
	outbox chan wireEnvelope

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// DialWS connects to the relay at serverURL (ws:// or wss://) and starts
// the read/write pumps. A dropped connection reconnects with exponential
// backoff and the relay replays stored records on reconnect.
func DialWS(ctx context.Context, serverURL string) (*WSChannel, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &WSChannel{
		serverURL: serverURL,
		view:      NewMemoryChannel(),
		outbox:    make(chan wireEnvelope, 64),
		ctx:       cctx,
		cancel:    cancel,
	}
	conn, err := c.dial()
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.readPump(conn)
	go c.writePump()
	return c, nil
}

func (c *WSChannel) dial() (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(c.serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: connect %s: %w", c.serverURL, err)
	}
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return conn, nil
}

func (c *WSChannel) CreateSignal(ctx context.Context, from, to, displayName string, kind Kind) (string, error) {
	id, err := c.view.CreateSignal(ctx, from, to, displayName, kind)
	if err != nil {
		return "", err
	}
	cs, _ := c.view.Signal(id)
	c.send(wireEnvelope{Kind: envSignal, Signal: &cs})
	return id, nil
}

func (c *WSChannel) UpdateSignal(ctx context.Context, id string, upd Update) error {
	if err := c.view.UpdateSignal(ctx, id, upd); err != nil {
		return err
	}
	cs, ok := c.view.Signal(id)
	if !ok {
		return ErrUnknownSignal
	}
	c.send(wireEnvelope{Kind: envSignal, Signal: &cs})
	return nil
}

func (c *WSChannel) AppendCandidate(ctx context.Context, id string, origin Origin, candidate string) error {
	if err := c.view.AppendCandidate(ctx, id, origin, candidate); err != nil {
		return err
	}
	recs := c.view.candidatesOf(id)
	rec := recs[len(recs)-1]
	c.send(wireEnvelope{Kind: envCandidate, Candidate: &rec})
	return nil
}

func (c *WSChannel) SubscribeSignal(id string, fn func(CallSignal)) (func(), error) {
	return c.view.SubscribeSignal(id, fn)
}

func (c *WSChannel) SubscribeInbox(identity string, status Status, fn func(CallSignal)) (func(), error) {
	return c.view.SubscribeInbox(identity, status, fn)
}

func (c *WSChannel) SubscribeCandidates(id string, origin Origin, fn func(CandidateRecord)) (func(), error) {
	return c.view.SubscribeCandidates(id, origin, fn)
}

// Close stops both pumps, closes the socket and cancels subscriptions.
// Idempotent.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
	return c.view.Close()
}

// send queues an envelope for the write pump. The queue is bounded; when a
// stalled connection fills it the envelope is dropped with a log line and
// the record state is repaired by the relay replay on reconnect.
func (c *WSChannel) send(env wireEnvelope) {
	select {
	case c.outbox <- env:
	default:
		log.Printf("SIGNAL: ws outbox full, dropping %s envelope", env.Kind)
	}
}

// readPump drains envelopes from the relay into the local view. On error it
// triggers the reconnect loop unless the channel is closing.
func (c *WSChannel) readPump(conn *websocket.Conn) {
	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closing := c.closed
			c.mu.Unlock()
			if !closing {
				log.Printf("SIGNAL: ws read: %v — reconnecting", err)
				go c.reconnect()
			}
			return
		}
		c.apply(env)
	}
}

func (c *WSChannel) apply(env wireEnvelope) {
	switch {
	case env.Kind == envSignal && env.Signal != nil:
		if err := env.Signal.Validate(); err != nil {
			log.Printf("SIGNAL: dropping invalid ws record %s: %v", env.Signal.ID, err)
			return
		}
		c.view.applySignal(*env.Signal)
	case env.Kind == envCandidate && env.Candidate != nil:
		c.view.ensureSignal(env.Candidate.SignalID)
		c.view.applyCandidate(*env.Candidate)
	}
}

// writePump writes queued envelopes and keeps the connection alive with
// pings, the same shape as a gorilla client write loop.
func (c *WSChannel) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.outbox:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("SIGNAL: ws write: %v", err)
			}
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("SIGNAL: ws ping: %v", err)
			}
		}
	}
}

// reconnect re-dials with exponential backoff. After the attempt cap the
// channel stays down; sessions observe the silence as PeerUnreachable via
// their own timeouts.
func (c *WSChannel) reconnect() {
	delay := wsReconnectBase
	for attempt := 1; attempt <= wsReconnectCap; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			log.Printf("SIGNAL: ws reconnected (attempt %d)", attempt)
			go c.readPump(conn)
			return
		}
		log.Printf("SIGNAL: ws reconnect attempt %d failed: %v", attempt, err)
		if delay *= 2; delay > wsReconnectMax {
			delay = wsReconnectMax
		}
	}
	log.Printf("SIGNAL: ws reconnect attempts exhausted, channel down")
}
