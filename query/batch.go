package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/triggerware/tw-go-client/twerrors"
)

// batchMember is the type-erased interface a Subscription[T] presents
// to its owning BatchSubscription. BatchSubscription has no type
// parameter of its own: its members are typically subscriptions over
// different row types, coalesced onto one notification label.
type batchMember interface {
	memberLabel() string
	deliverFromBatch(raw []json.RawMessage) error
	removeFromBatch(ctx context.Context, batchLabel string) error
}

// batchNotification is the wire shape dispatched to a batch's
// notification label: a monotonic update counter and the set of
// member matches coalesced into this update, keyed by each member's
// own subscription label.
type batchNotification struct {
	UpdateSeq int64 `json:"update#"`
	Matches   []struct {
		Label  string            `json:"label"`
		Tuples []json.RawMessage `json:"tuples"`
	} `json:"matches"`
}

// BatchSubscription coalesces notifications for several Subscriptions
// onto a single label, so the server sends one message per update
// cycle regardless of how many subscriptions it covers. Like
// Subscription, it has no server-side handle: it exists purely as a
// client-reserved label that member subscriptions target as their
// method when they subscribe with combine:true. A Subscription
// belongs to at most one BatchSubscription at a time, and cannot be
// independently active while it does (enforced by Subscription's own
// active-XOR-in-batch state machine).
type BatchSubscription struct {
	caller Caller
	label  string

	mu       sync.Mutex
	members  map[string]batchMember
	lastSeq  int64
	disposed bool
}

// CreateBatchSubscription mints a fresh batch label and registers it.
// The batch starts with no members; use AddToBatch to populate it.
// There is no server-side creation step: the batch comes into
// existence, from the server's perspective, the first time a member
// subscribes with method set to its label.
func CreateBatchSubscription(caller Caller) *BatchSubscription {
	label := caller.NextBatchLabel()
	b := &BatchSubscription{
		caller:  caller,
		label:   label,
		members: make(map[string]batchMember),
	}
	caller.RegisterLabelHandler(label, b.handleNotification)
	return b
}

// AddToBatch moves sub into the in-batch state and subscribes it with
// method set to b's label and combine:true, so future coalesced
// notifications carrying sub's own label are routed to sub.Updates().
// sub must not already be active or a member of another batch.
func AddToBatch[T any](ctx context.Context, b *BatchSubscription, sub *Subscription[T]) error {
	if err := sub.joinBatch(); err != nil {
		return err
	}
	if err := sub.subscribeIntoBatch(ctx, b.label); err != nil {
		sub.leaveBatch()
		return err
	}
	b.mu.Lock()
	b.members[sub.memberLabel()] = sub
	b.mu.Unlock()
	return nil
}

// RemoveFromBatch unsubscribes sub and returns it to the created
// state, closing its batch Updates channel.
func RemoveFromBatch[T any](ctx context.Context, b *BatchSubscription, sub *Subscription[T]) error {
	b.mu.Lock()
	delete(b.members, sub.memberLabel())
	b.mu.Unlock()
	return sub.removeFromBatch(ctx, b.label)
}

func (b *BatchSubscription) handleNotification(raw json.RawMessage) error {
	var n batchNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return twerrors.Annotatef(err, "decoding batch notification for label %s", b.label)
	}

	b.mu.Lock()
	b.lastSeq = n.UpdateSeq
	members := make(map[string]batchMember, len(n.Matches))
	for _, m := range n.Matches {
		if mem, ok := b.members[m.Label]; ok {
			members[m.Label] = mem
		}
	}
	b.mu.Unlock()

	var firstErr error
	for _, m := range n.Matches {
		mem, ok := members[m.Label]
		if !ok {
			continue
		}
		if err := mem.deliverFromBatch(m.Tuples); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Label returns the notification label the server dispatches coalesced
// updates to.
func (b *BatchSubscription) Label() string { return b.label }

// LastUpdateSeq returns the update# of the most recently processed
// batch notification.
func (b *BatchSubscription) LastUpdateSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// Dispose unsubscribes every remaining member and releases the batch's
// notification label. Member removal is non-atomic: a failure
// unsubscribing one member does not stop the others from being
// unsubscribed. It is idempotent.
func (b *BatchSubscription) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	members := make(map[string]batchMember, len(b.members))
	for label, m := range b.members {
		members[label] = m
	}
	b.members = nil
	label := b.label
	b.mu.Unlock()

	var firstErr error
	for memberLabel, m := range members {
		if err := m.removeFromBatch(ctx, label); err != nil && firstErr == nil {
			firstErr = twerrors.Annotatef(err, "unsubscribing batch member %s", memberLabel)
		}
	}

	b.caller.UnregisterLabelHandler(label)
	return firstErr
}
