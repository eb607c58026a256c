package eventbus

import (
	"context"
	"sync"
)

// queueDepth bounds each subscriber's channel. A full queue triggers
// drop-oldest-and-substitute-overflow rather than blocking the publisher
// (spec.md §5: "publishing never blocks the producer").
const queueDepth = 256

// Persister is the append-only log the bus durably writes through to —
// satisfied by statestore.Store's AppendEvent/FetchEventsSince. Kept as a
// narrow interface here so the bus can be unit-tested without a real store.
type Persister interface {
	AppendEvent(ctx context.Context, e Event) (Event, error)
	FetchEventsSince(ctx context.Context, session string, afterID int64) ([]Event, error)
}

// Bus is the per-process event bus: Publish fans out to every live
// subscriber for an event's session and durably appends through Persister;
// Subscribe replays persisted events newer than a cursor before switching
// to live delivery.
type Bus struct {
	store Persister

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{} // session -> subscribers
}

// New constructs a Bus backed by the given durable Persister.
func New(store Persister) *Bus {
	return &Bus{store: store, subs: map[string]map[*subscription]struct{}{}}
}

// Stream is what a caller of Subscribe reads from.
type Stream interface {
	// Events yields events in publication order until the context is
	// cancelled or Close is called.
	Events() <-chan Event
	Close()
}

type subscription struct {
	session string
	ch      chan Event
	once    sync.Once
	closed  chan struct{}
}

func (s *subscription) Events() <-chan Event { return s.ch }

func (s *subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Publish durably appends the event then fans it out to every live
// subscriber of its session. Overflow policy: if a subscriber's queue is
// full, its oldest buffered event is dropped and replaced by a
// queue_overflow marker, then the new event is enqueued — the producer
// never blocks.
func (b *Bus) Publish(ctx context.Context, e Event) (Event, error) {
	stored, err := b.store.AppendEvent(ctx, e)
	if err != nil {
		return Event{}, err
	}

	b.mu.Lock()
	subs := b.subs[e.SessionKey]
	targets := make([]*subscription, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.deliver(sub, stored)
	}
	return stored, nil
}

func (b *Bus) deliver(sub *subscription, e Event) {
	select {
	case sub.ch <- e:
		return
	default:
	}
	// Queue full: drop the oldest buffered event and substitute an
	// overflow marker, then enqueue the new event.
	select {
	case <-sub.ch:
	default:
	}
	overflow := Event{SessionKey: sub.session, Type: TypeQueueOverflow}
	select {
	case sub.ch <- overflow:
	default:
	}
	select {
	case sub.ch <- e:
	default:
	}
}

// Subscribe returns a Stream for session that first replays persisted
// events with ID > sinceEventID (reconnect support), then delivers live
// events as Publish is called. The stream closes when ctx is cancelled or
// Close is called on the returned Stream.
func (b *Bus) Subscribe(ctx context.Context, session string, sinceEventID int64) (Stream, error) {
	sub := &subscription{session: session, ch: make(chan Event, queueDepth), closed: make(chan struct{})}

	b.mu.Lock()
	if b.subs[session] == nil {
		b.subs[session] = map[*subscription]struct{}{}
	}
	b.subs[session][sub] = struct{}{}
	b.mu.Unlock()

	backlog, err := b.store.FetchEventsSince(ctx, session, sinceEventID)
	if err != nil {
		b.unsubscribe(sub)
		return nil, err
	}
	go func() {
		for _, e := range backlog {
			select {
			case sub.ch <- e:
			case <-sub.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.closed:
		}
		b.unsubscribe(sub)
	}()

	return sub, nil
}

func (b *Bus) unsubscribe(sub *subscription) {
	sub.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.session]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.session)
		}
	}
}

// CloseAll emits a server_shutdown event to every live subscriber across
// every session, then drains — used on graceful process shutdown.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	all := make([]*subscription, 0)
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		select {
		case sub.ch <- Event{SessionKey: sub.session, Type: TypeServerShutdown}:
		default:
		}
		b.unsubscribe(sub)
	}
}
