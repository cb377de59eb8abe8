package redis

import (
	"context"
	"sync"
)

// SubscriptionKind distinguishes a literal channel subscription from
// a glob pattern one.
type SubscriptionKind int

const (
	KindChannel SubscriptionKind = iota
	KindPattern
)

// Message is one delivered pub/sub payload: Pattern is empty for a
// plain channel subscription and set to the matching glob for a
// pattern one.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Subscription tracks one active (p)subscribe registration: its
// acknowledgment gate and its delivered-message sink.
type Subscription struct {
	Name string
	Kind SubscriptionKind

	ackCh chan struct{} // closed when the (p)subscribe ack arrives
	msgCh chan Message

	conn *Conn // weak: looked up only, never used to keep conn alive
}

// Ack blocks until the SUBSCRIBE/PSUBSCRIBE ack for this subscription
// has been received.
func (s *Subscription) Ack(ctx context.Context) error {
	select {
	case <-s.ackCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the channel messages are delivered on. It is
// closed when the subscription is removed.
func (s *Subscription) Messages() <-chan Message { return s.msgCh }

// subscriptionRegistry is the connection-owned pair of
// channel/pattern maps.
type subscriptionRegistry struct {
	conn *Conn

	mu       sync.Mutex
	channels map[string]*Subscription
	patterns map[string]*Subscription

	pendingAcks map[string]chan struct{} // keyed by channel/pattern name, for in-flight (un)subscribes
}

func newSubscriptionRegistry(c *Conn) *subscriptionRegistry {
	return &subscriptionRegistry{
		conn:        c,
		channels:    make(map[string]*Subscription),
		patterns:    make(map[string]*Subscription),
		pendingAcks: make(map[string]chan struct{}),
	}
}

// Subscribe issues SUBSCRIBE (or PSUBSCRIBE for pattern) and returns
// the Subscription, idempotently: a second Subscribe for an
// already-registered name returns the existing Subscription without
// touching the wire.
func (r *subscriptionRegistry) Subscribe(ctx context.Context, name string, kind SubscriptionKind) (*Subscription, error) {
	table := r.channels
	cmdName := "SUBSCRIBE"
	if kind == KindPattern {
		table = r.patterns
		cmdName = "PSUBSCRIBE"
	}

	r.mu.Lock()
	if sub, ok := table[name]; ok {
		r.mu.Unlock()
		return sub, nil
	}
	sub := &Subscription{
		Name:  name,
		Kind:  kind,
		ackCh: make(chan struct{}),
		msgCh: make(chan Message, 64),
		conn:  r.conn,
	}
	table[name] = sub
	r.mu.Unlock()

	fut, err := r.conn.Execute(ctx, NewCommand(cmdName, name))
	if err != nil {
		r.mu.Lock()
		delete(table, name)
		r.mu.Unlock()
		return nil, err
	}
	if _, err := fut.WaitContext(ctx); err != nil {
		r.mu.Lock()
		delete(table, name)
		r.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Unsubscribe issues UNSUBSCRIBE/PUNSUBSCRIBE for name. The
// Subscription is removed and its sink completed once the ack for the
// removal arrives, via dispatch.
func (r *subscriptionRegistry) Unsubscribe(ctx context.Context, name string, kind SubscriptionKind) error {
	cmdName := "UNSUBSCRIBE"
	if kind == KindPattern {
		cmdName = "PUNSUBSCRIBE"
	}
	fut, err := r.conn.Execute(ctx, NewCommand(cmdName, name))
	if err != nil {
		return err
	}
	_, err = fut.WaitContext(ctx)
	return err
}

// dispatch routes one decoded message/ack array to the matching
// Subscription.
func (r *subscriptionRegistry) dispatch(arr []Reply) {
	if len(arr) < 3 {
		return
	}
	kind := string(bulkOf(arr[0]))

	switch kind {
	case "subscribe", "unsubscribe":
		name := string(bulkOf(arr[1]))
		r.ackAndCount(r.channels, name, kind == "subscribe", 1)
	case "psubscribe", "punsubscribe":
		name := string(bulkOf(arr[1]))
		r.ackAndCount(r.patterns, name, kind == "psubscribe", 1)
	case "message":
		name := string(bulkOf(arr[1]))
		r.mu.Lock()
		sub, ok := r.channels[name]
		r.mu.Unlock()
		if !ok {
			r.conn.logger.Warnf("redis: message for unknown channel %q, dropping", name)
			return
		}
		r.deliver(sub, Message{Channel: name, Payload: bulkOf(arr[2])})
	case "pmessage":
		if len(arr) < 4 {
			return
		}
		pattern := string(bulkOf(arr[1]))
		r.mu.Lock()
		sub, ok := r.patterns[pattern]
		r.mu.Unlock()
		if !ok {
			r.conn.logger.Warnf("redis: pmessage for unknown pattern %q, dropping", pattern)
			return
		}
		r.deliver(sub, Message{Channel: string(bulkOf(arr[2])), Pattern: pattern, Payload: bulkOf(arr[3])})
	}
}

func (r *subscriptionRegistry) deliver(sub *Subscription, msg Message) {
	select {
	case sub.msgCh <- msg:
	default:
		// Slow consumer: drop rather than block the single read-loop
		// goroutine.
		r.conn.logger.Warnf("redis: subscriber for %q is slow, dropping message", sub.Name)
	}
}

func (r *subscriptionRegistry) ackAndCount(table map[string]*Subscription, name string, adding bool, delta int) {
	r.mu.Lock()
	sub, ok := table[name]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-sub.ackCh:
		// already acked (idempotent resubscribe case)
	default:
		close(sub.ackCh)
	}
	if adding {
		r.conn.setSubscribed(delta)
		return
	}
	r.mu.Lock()
	delete(table, name)
	r.mu.Unlock()
	close(sub.msgCh)
	r.conn.setSubscribed(-delta)
}

func (r *subscriptionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, sub := range r.channels {
		closeSubSink(sub)
		delete(r.channels, name)
	}
	for name, sub := range r.patterns {
		closeSubSink(sub)
		delete(r.patterns, name)
	}
}

func closeSubSink(sub *Subscription) {
	select {
	case <-sub.ackCh:
	default:
		close(sub.ackCh)
	}
	close(sub.msgCh)
}

func bulkOf(r Reply) []byte {
	if r.Type == TypeBulkString {
		return r.Bulk
	}
	return r.Str
}
