package signal

import (
	"context"
	"errors"
)

// ErrUnknownSignal is returned for operations on a signal ID the channel
// store has never seen.
var ErrUnknownSignal = errors.New("signal: unknown signal id")

// ErrInvalidTransition is returned when an update asks for a status flip
// that ValidTransition forbids.
var ErrInvalidTransition = errors.New("signal: invalid status transition")

// Update is a partial update to a CallSignal record. Nil fields are left
// untouched; updates are last-write-wins per field, except Offer and Answer
// which are write-once (a second write is silently dropped by the store).
type Update struct {
	Status *Status
	Offer  *Description
	Answer *Description
}

// Channel is the pub/sub record store the signaling core rides on.
//
// Delivery contract, required of every implementation:
//   - Subscriptions deliver the full current state immediately on subscribe,
//     then every persisted state, in the order the store persists them.
//   - Delivery is at-least-once; duplicates are possible on reconnect and
//     consumers must apply-if-changed.
//   - Per record (and per candidate sub-collection) delivery is ordered;
//     nothing is guaranteed across different records.
//   - Callbacks run on channel-owned goroutines; they must not block for
//     long and must never call back into the Channel synchronously.
type Channel interface {
	// CreateSignal persists a new CallSignal with status ringing and
	// returns the store-assigned id.
	CreateSignal(ctx context.Context, from, to, displayName string, kind Kind) (string, error)

	// UpdateSignal applies a partial update to an existing signal.
	UpdateSignal(ctx context.Context, id string, upd Update) error

	// AppendCandidate appends one candidate sub-record to a signal.
	AppendCandidate(ctx context.Context, id string, origin Origin, candidate string) error

	// SubscribeSignal watches one signal record for changes.
	SubscribeSignal(id string, fn func(CallSignal)) (cancel func(), err error)

	// SubscribeInbox watches for signals addressed to identity with the
	// given status. New matching records (and records flipping into the
	// status) are delivered; the call listener uses this with
	// StatusRinging.
	SubscribeInbox(identity string, status Status, fn func(CallSignal)) (cancel func(), err error)

	// SubscribeCandidates watches a signal's candidate sub-collection,
	// filtered to one origin, delivered in append order.
	SubscribeCandidates(id string, origin Origin, fn func(CandidateRecord)) (cancel func(), err error)

	// Close tears down network resources and cancels all subscriptions.
	Close() error
}
