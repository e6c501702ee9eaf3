package stream

import (
	"sync"

	"github.com/hupe1980/flowmesh/core"
)

// Channel is a single-session event broadcast. Events published through it
// are stamped with a monotonically increasing sequence number and delivered
// to every live subscription in publication order. A subscription observes
// only events published at or after the time it was created; there is no
// historical replay.
type Channel struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewChannel creates an open event channel with no subscribers.
func NewChannel() *Channel {
	return &Channel{subs: make(map[*Subscription]struct{})}
}

// Publish stamps the event with the next sequence number and fans it out to
// all current subscriptions. It never blocks the caller: per-subscription
// buffering is unbounded. Publishing on a closed channel returns
// core.ErrChannelClosed and the event is dropped.
func (c *Channel) Publish(ev core.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	c.seq++
	ev.Seq = c.seq
	for sub := range c.subs {
		// The pump goroutine is always ready to receive, so this send
		// completes promptly even when the consumer is slow.
		sub.in <- ev
	}
	return nil
}

// Subscribe returns a new cursor over events published from now on. Each
// subscription is independent: the consumption rate of one never affects
// another. Subscribing to a closed channel yields an already-terminated
// subscription.
func (c *Channel) Subscribe() *Subscription {
	sub := &Subscription{
		ch:        c,
		in:        make(chan core.Event),
		out:       make(chan core.Event),
		cancelled: make(chan struct{}),
	}
	go sub.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.in)
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

// Close terminates the channel. All outstanding and future subscription
// reads observe end-of-stream (their Events channel is closed) instead of
// blocking forever. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for sub := range c.subs {
		close(sub.in)
	}
	c.subs = nil
}

// Seq returns the sequence number of the most recently published event.
func (c *Channel) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Subscription is one consumer's cursor into the channel. Read events from
// Events until it is closed; call Cancel when abandoning the cursor early so
// its buffer can be released.
type Subscription struct {
	ch  *Channel
	in  chan core.Event
	out chan core.Event

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Events yields the subscription's ordered event sequence. The returned
// channel is closed when the event channel closes or the subscription is
// cancelled; that closure is the end-of-stream signal.
func (s *Subscription) Events() <-chan core.Event { return s.out }

// Cancel detaches the subscription from its channel. Buffered but unread
// events are discarded. Safe to call multiple times and concurrently with
// reads.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.ch.mu.Lock()
		if _, ok := s.ch.subs[s]; ok {
			delete(s.ch.subs, s)
			close(s.in)
		}
		s.ch.mu.Unlock()
		close(s.cancelled)
	})
}

// pump shuttles events from the broadcast side to the consumer side through
// an elastic in-memory queue, so Publish is never held up by a slow reader.
func (s *Subscription) pump() {
	defer close(s.out)
	var queue []core.Event
	for {
		var outCh chan core.Event
		var next core.Event
		if len(queue) > 0 {
			outCh = s.out
			next = queue[0]
		}
		select {
		case ev, ok := <-s.in:
			if !ok {
				// Channel closed: flush what is already buffered unless
				// the consumer walked away, then signal end-of-stream.
				for _, pending := range queue {
					select {
					case s.out <- pending:
					case <-s.cancelled:
						return
					}
				}
				return
			}
			queue = append(queue, ev)
		case outCh <- next:
			queue = queue[1:]
		}
	}
}
