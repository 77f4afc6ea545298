package signal

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subQueueCap bounds the per-subscriber delivery queue. A consumer that
// falls this far behind loses the call anyway.
const subQueueCap = 256

// MemoryChannel is an in-process Channel. It honors the full delivery
// contract (current state on subscribe, per-record ordering, at-least-once)
// and is used for tests and same-host loopback calls. Redeliver simulates
// the duplicate delivery a real store produces on reconnect.
type MemoryChannel struct {
	mu         sync.Mutex
	signals    map[string]*CallSignal
	candidates map[string][]CandidateRecord

	signalSubs map[string][]*memSub[CallSignal]
	inboxSubs  []*inboxSub
	candSubs   map[string][]*candSub

	candSeen map[string]struct{} // candidate record IDs applied via applyCandidate

	closed bool
}

type memSub[T any] struct {
	ch   chan T
	done chan struct{}
}

type inboxSub struct {
	identity string
	status   Status
	seen     map[string]Status // signalID → last delivered status
	sub      *memSub[CallSignal]
}

type candSub struct {
	origin Origin
	sub    *memSub[CandidateRecord]
}

// NewMemoryChannel creates an empty in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		signals:    make(map[string]*CallSignal),
		candidates: make(map[string][]CandidateRecord),
		signalSubs: make(map[string][]*memSub[CallSignal]),
		candSubs:   make(map[string][]*candSub),
		candSeen:   make(map[string]struct{}),
	}
}

func newMemSub[T any](fn func(T)) *memSub[T] {
	s := &memSub[T]{ch: make(chan T, subQueueCap), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case v, ok := <-s.ch:
				if !ok {
					return
				}
				fn(v)
			}
		}
	}()
	return s
}

func (s *memSub[T]) deliver(v T) {
	select {
	case s.ch <- v:
	default:
		log.Printf("SIGNAL: memory subscriber queue full, dropping")
	}
}

func (s *memSub[T]) cancel() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// CreateSignal persists a new ringing signal and fans it out to matching
// inbox subscribers.
func (m *MemoryChannel) CreateSignal(_ context.Context, from, to, displayName string, kind Kind) (string, error) {
	cs := &CallSignal{
		ID:              uuid.NewString(),
		From:            from,
		To:              to,
		FromDisplayName: displayName,
		Kind:            kind,
		Status:          StatusRinging,
		CreatedAt:       time.Now(),
	}
	if err := cs.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.signals[cs.ID] = cs
	m.fanOutLocked(cs)
	m.mu.Unlock()
	return cs.ID, nil
}

// UpdateSignal applies a partial update. Offer/answer fields are write-once:
// a second write is dropped without error, matching the reader-side
// idempotency guard the contract requires.
func (m *MemoryChannel) UpdateSignal(_ context.Context, id string, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.signals[id]
	if !ok {
		return ErrUnknownSignal
	}
	if upd.Status != nil && *upd.Status != cs.Status {
		if !ValidTransition(cs.Status, *upd.Status) {
			return ErrInvalidTransition
		}
		cs.Status = *upd.Status
	}
	if upd.Offer != nil && cs.Offer == nil {
		o := *upd.Offer
		cs.Offer = &o
	}
	if upd.Answer != nil && cs.Answer == nil {
		a := *upd.Answer
		cs.Answer = &a
	}
	m.fanOutLocked(cs)
	return nil
}

// AppendCandidate appends one candidate sub-record and delivers it to
// matching subscribers in append order.
func (m *MemoryChannel) AppendCandidate(_ context.Context, id string, origin Origin, candidate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.signals[id]; !ok {
		return ErrUnknownSignal
	}
	rec := CandidateRecord{
		ID:        uuid.NewString(),
		SignalID:  id,
		Candidate: candidate,
		Origin:    origin,
		CreatedAt: time.Now(),
	}
	m.candSeen[rec.ID] = struct{}{}
	m.candidates[id] = append(m.candidates[id], rec)
	for _, cs := range m.candSubs[id] {
		if cs.origin == origin {
			cs.sub.deliver(rec)
		}
	}
	return nil
}

// SubscribeSignal delivers the current record state immediately, then every
// update in store order.
func (m *MemoryChannel) SubscribeSignal(id string, fn func(CallSignal)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.signals[id]
	if !ok {
		return nil, ErrUnknownSignal
	}
	sub := newMemSub(fn)
	m.signalSubs[id] = append(m.signalSubs[id], sub)
	sub.deliver(cs.Clone())
	return func() { m.dropSignalSub(id, sub) }, nil
}

// SubscribeInbox delivers every existing and future signal addressed to
// identity whose status matches. Re-delivery happens when a record flips
// into the watched status, never for same-status duplicates.
func (m *MemoryChannel) SubscribeInbox(identity string, status Status, fn func(CallSignal)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	is := &inboxSub{
		identity: identity,
		status:   status,
		seen:     make(map[string]Status),
		sub:      newMemSub(fn),
	}
	m.inboxSubs = append(m.inboxSubs, is)

	// Current state replay.
	for _, cs := range m.signals {
		if cs.To == identity && cs.Status == status {
			is.seen[cs.ID] = cs.Status
			is.sub.deliver(cs.Clone())
		}
	}
	return func() { m.dropInboxSub(is) }, nil
}

// SubscribeCandidates replays already-appended candidates of the given
// origin in order, then live appends.
func (m *MemoryChannel) SubscribeCandidates(id string, origin Origin, fn func(CandidateRecord)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.signals[id]; !ok {
		return nil, ErrUnknownSignal
	}
	cs := &candSub{origin: origin, sub: newMemSub(fn)}
	m.candSubs[id] = append(m.candSubs[id], cs)
	for _, rec := range m.candidates[id] {
		if rec.Origin == origin {
			cs.sub.deliver(rec)
		}
	}
	return func() { m.dropCandSub(id, cs) }, nil
}

// Redeliver re-sends the current state of a signal and all its candidates
// to every subscriber, simulating the duplicate delivery a real store
// produces after a reconnect. Test hook.
func (m *MemoryChannel) Redeliver(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.signals[id]
	if !ok {
		return
	}
	for _, sub := range m.signalSubs[id] {
		sub.deliver(cs.Clone())
	}
	for _, rec := range m.candidates[id] {
		for _, c := range m.candSubs[id] {
			if c.origin == rec.Origin {
				c.sub.deliver(rec)
			}
		}
	}
}

// Signal returns a copy of the stored record. Test hook.
func (m *MemoryChannel) Signal(id string) (CallSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.signals[id]
	if !ok {
		return CallSignal{}, false
	}
	return cs.Clone(), true
}

// Close cancels every subscription.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.signalSubs {
		for _, s := range subs {
			s.cancel()
		}
	}
	for _, is := range m.inboxSubs {
		is.sub.cancel()
	}
	for _, subs := range m.candSubs {
		for _, c := range subs {
			c.sub.cancel()
		}
	}
	return nil
}

// applySignal upserts a record received from a remote store (pubsub/ws
// backends) into the local view and fans it out if anything changed.
// Merging is monotone: offer/answer are write-once, status only advances
// along ValidTransition, so replays and reordered deliveries converge.
func (m *MemoryChannel) applySignal(in CallSignal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.signals[in.ID]
	if !ok {
		cp := in.Clone()
		m.signals[in.ID] = &cp
		m.fanOutLocked(&cp)
		return
	}

	changed := false
	if cur.From == "" && in.From != "" {
		// Complete a placeholder created by a candidate that arrived
		// before its signal record.
		cur.From = in.From
		cur.To = in.To
		cur.FromDisplayName = in.FromDisplayName
		cur.Kind = in.Kind
		cur.CreatedAt = in.CreatedAt
		changed = true
	}
	if cur.Offer == nil && in.Offer != nil {
		o := *in.Offer
		cur.Offer = &o
		changed = true
	}
	if cur.Answer == nil && in.Answer != nil {
		a := *in.Answer
		cur.Answer = &a
		changed = true
	}
	if in.Status != cur.Status && ValidTransition(cur.Status, in.Status) {
		cur.Status = in.Status
		changed = true
	}
	if changed {
		m.fanOutLocked(cur)
	}
}

// applyCandidate inserts a candidate received from a remote store, deduped
// by record ID. Returns false when the record was already applied.
func (m *MemoryChannel) applyCandidate(rec CandidateRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.candSeen[rec.ID]; dup {
		return false
	}
	m.candSeen[rec.ID] = struct{}{}
	m.candidates[rec.SignalID] = append(m.candidates[rec.SignalID], rec)
	for _, cs := range m.candSubs[rec.SignalID] {
		if cs.origin == rec.Origin {
			cs.sub.deliver(rec)
		}
	}
	return true
}

// candidatesOf returns a copy of the candidate sub-records of a signal in
// append order.
func (m *MemoryChannel) candidatesOf(id string) []CandidateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CandidateRecord, len(m.candidates[id]))
	copy(out, m.candidates[id])
	return out
}

// ensureSignal makes sure a placeholder record exists so that candidate
// sub-records arriving before their signal record are not lost.
func (m *MemoryChannel) ensureSignal(id string) {
	m.mu.Lock()
	if _, ok := m.signals[id]; !ok {
		m.signals[id] = &CallSignal{ID: id, Status: StatusRinging, CreatedAt: time.Now()}
	}
	m.mu.Unlock()
}

// fanOutLocked delivers the record to its signal subscribers and to inbox
// subscribers it newly matches. Caller holds m.mu.
func (m *MemoryChannel) fanOutLocked(cs *CallSignal) {
	for _, sub := range m.signalSubs[cs.ID] {
		sub.deliver(cs.Clone())
	}
	for _, is := range m.inboxSubs {
		if cs.To != is.identity || cs.Status != is.status {
			continue
		}
		if last, ok := is.seen[cs.ID]; ok && last == cs.Status {
			continue
		}
		is.seen[cs.ID] = cs.Status
		is.sub.deliver(cs.Clone())
	}
}

func (m *MemoryChannel) dropSignalSub(id string, sub *memSub[CallSignal]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.signalSubs[id]
	for i, s := range subs {
		if s == sub {
			m.signalSubs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	sub.cancel()
}

func (m *MemoryChannel) dropInboxSub(is *inboxSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.inboxSubs {
		if s == is {
			m.inboxSubs = append(m.inboxSubs[:i], m.inboxSubs[i+1:]...)
			break
		}
	}
	is.sub.cancel()
}

func (m *MemoryChannel) dropCandSub(id string, cs *candSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.candSubs[id]
	for i, s := range subs {
		if s == cs {
			m.candSubs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	cs.sub.cancel()
}
