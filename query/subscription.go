package query

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/triggerware/tw-go-client/twerrors"
)

// SubscriptionEvent is one notification delivered to an active
// Subscription: the tuple that newly matches the subscribed query, or
// the error from decoding that tuple with the Subscription's RowDecoder.
type SubscriptionEvent[T any] struct {
	Row T
	Err error
}

// subscriptionState tracks the active-XOR-in-batch invariant: a
// Subscription is never simultaneously an independent active
// subscription and a member of a BatchSubscription.
type subscriptionState int

const (
	subCreated subscriptionState = iota
	subActive
	subInBatch
	subDisposed
)

// Subscription is a standing query that the server re-evaluates as
// underlying data changes, pushing each newly matching tuple rather
// than a full result set. It has no server-side handle: it is
// identified purely by a notification label it reserves for itself.
// It is created inactive; Activate begins delivery on its own label,
// or it can instead be added to a BatchSubscription, which delivers on
// the batch's shared label with this subscription's own label used to
// key its share of each coalesced notification.
type Subscription[T any] struct {
	caller                     Caller
	decode                     RowDecoder[T]
	query, language, namespace string
	label                      string

	mu      sync.Mutex
	state   subscriptionState
	updates chan SubscriptionEvent[T]
}

// CreateSubscription mints a fresh notification label for query text,
// language and namespace, but does not yet ask the server to start
// delivering: the returned Subscription is inactive until Activate is
// called, or until it is added to a BatchSubscription.
func CreateSubscription[T any](caller Caller, decode RowDecoder[T], query, language, namespace string) *Subscription[T] {
	return &Subscription[T]{
		caller:    caller,
		decode:    decode,
		query:     query,
		language:  language,
		namespace: namespace,
		label:     caller.NextSubscriptionLabel(),
		state:     subCreated,
	}
}

// Activate registers the subscription's label and issues subscribe
// with method and label both set to it and combine:false, so the
// server delivers each matching tuple to this Subscription alone.
// Fails if the subscription is already active, disposed, or a member
// of a batch.
func (s *Subscription[T]) Activate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case subActive:
		return twerrors.New(twerrors.ErrSubscription, "subscription already active")
	case subInBatch:
		return twerrors.New(twerrors.ErrSubscription, "subscription is a batch member; remove it from the batch first")
	case subDisposed:
		return twerrors.New(twerrors.ErrDisposed, "subscription disposed")
	}

	updates := make(chan SubscriptionEvent[T], updatesBacklog)
	s.caller.RegisterLabelHandler(s.label, func(raw json.RawMessage) error {
		return decodeSubscriptionTuple(raw, s.decode, func(ev SubscriptionEvent[T]) { pushUpdate(updates, ev) })
	})
	if err := s.caller.Call(ctx, "subscribe", s.subscribeParams(s.label, false), nil); err != nil {
		s.caller.UnregisterLabelHandler(s.label)
		return err
	}
	s.updates = updates
	s.state = subActive
	return nil
}

// subscribeParams builds the {query,language,namespace,label,method,
// combine} params subscribe and unsubscribe both take.
func (s *Subscription[T]) subscribeParams(method string, combine bool) map[string]any {
	return map[string]any{
		"query":     s.query,
		"language":  s.language,
		"namespace": s.namespace,
		"label":     s.label,
		"method":    method,
		"combine":   combine,
	}
}

// decodeSubscriptionTuple decodes one bare T tuple delivered under a
// subscription's label and hands the resulting event to fn. Shared by
// standalone activation and batch-member dispatch.
func decodeSubscriptionTuple[T any](raw json.RawMessage, decode RowDecoder[T], fn func(SubscriptionEvent[T])) error {
	row, err := decode(raw)
	if err != nil {
		fn(SubscriptionEvent[T]{Err: twerrors.Annotatef(err, "decoding subscription tuple")})
		return nil
	}
	fn(SubscriptionEvent[T]{Row: row})
	return nil
}

// pushUpdate enqueues ev on updates, dropping the oldest buffered
// event to make room if the consumer has fallen behind.
func pushUpdate[T any](updates chan SubscriptionEvent[T], ev SubscriptionEvent[T]) {
	select {
	case updates <- ev:
	default:
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- ev:
		default:
		}
	}
}

// Updates returns the channel tuples are delivered on while the
// subscription is active. It is nil before the first Activate.
func (s *Subscription[T]) Updates() <-chan SubscriptionEvent[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// Deactivate unsubscribes and releases the subscription's notification
// label, returning it to the created state. It is a no-op if the
// subscription is not currently active.
func (s *Subscription[T]) Deactivate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != subActive {
		return nil
	}
	if err := s.caller.Call(ctx, "unsubscribe", s.subscribeParams(s.label, false), nil); err != nil {
		return err
	}
	s.caller.UnregisterLabelHandler(s.label)
	close(s.updates)
	s.updates = nil
	s.state = subCreated
	return nil
}

// joinBatch transitions the subscription into the in-batch state on
// behalf of an AddToBatch call and allocates the channel
// its share of batch notifications will be delivered on. It refuses
// to join while active, enforcing the active-XOR-in-batch invariant.
func (s *Subscription[T]) joinBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case subActive:
		return twerrors.New(twerrors.ErrSubscription, "subscription is independently active; deactivate it first")
	case subInBatch:
		return twerrors.New(twerrors.ErrSubscription, "subscription already belongs to a batch")
	case subDisposed:
		return twerrors.New(twerrors.ErrDisposed, "subscription disposed")
	}
	s.state = subInBatch
	s.updates = make(chan SubscriptionEvent[T], updatesBacklog)
	return nil
}

// subscribeIntoBatch issues subscribe with this subscription's own
// label and method set to batchLabel and combine:true, so the server
// coalesces its matches into the batch's shared notification.
func (s *Subscription[T]) subscribeIntoBatch(ctx context.Context, batchLabel string) error {
	return s.caller.Call(ctx, "subscribe", s.subscribeParams(batchLabel, true), nil)
}

// unsubscribeFromBatch issues unsubscribe with the same params the
// member's batch subscribe call used, undoing it.
func (s *Subscription[T]) unsubscribeFromBatch(ctx context.Context, batchLabel string) error {
	return s.caller.Call(ctx, "unsubscribe", s.subscribeParams(batchLabel, true), nil)
}

// leaveBatch returns the subscription to the created state when
// removed from a BatchSubscription.
func (s *Subscription[T]) leaveBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == subInBatch {
		s.state = subCreated
		close(s.updates)
		s.updates = nil
	}
}

// deliverFromBatch decodes one member's share of tuples from a batch
// notification and enqueues the resulting events on the member's own
// Updates channel. Used by BatchSubscription to fan out a single
// coalesced notification to its heterogeneous members.
func (s *Subscription[T]) deliverFromBatch(raw []json.RawMessage) error {
	s.mu.Lock()
	updates := s.updates
	s.mu.Unlock()
	if updates == nil {
		return twerrors.New(twerrors.ErrSubscription, "batch member delivered to while not in a batch")
	}
	for _, tuple := range raw {
		if err := decodeSubscriptionTuple(tuple, s.decode, func(ev SubscriptionEvent[T]) { pushUpdate(updates, ev) }); err != nil {
			return err
		}
	}
	return nil
}

// memberLabel exposes the subscription's own reserved label for
// BatchSubscription's member bookkeeping.
func (s *Subscription[T]) memberLabel() string { return s.label }

// removeFromBatch unsubscribes the member from batchLabel and returns
// it to the created state. Satisfies batchMember.
func (s *Subscription[T]) removeFromBatch(ctx context.Context, batchLabel string) error {
	err := s.unsubscribeFromBatch(ctx, batchLabel)
	s.leaveBatch()
	return err
}

// Dispose unsubscribes if active and marks the subscription disposed.
// It is idempotent.
func (s *Subscription[T]) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == subDisposed {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == subActive
	label := s.label
	updates := s.updates
	s.state = subDisposed
	s.updates = nil
	s.mu.Unlock()

	if !wasActive {
		if updates != nil {
			close(updates)
		}
		return nil
	}
	s.caller.UnregisterLabelHandler(label)
	close(updates)
	return s.caller.Call(ctx, "unsubscribe", s.subscribeParams(label, false), nil)
}
