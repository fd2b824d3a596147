// Package queue wakes queue consumers without tight database polling. The
// global wait queue, the pool's local queue, and the slot release worker all
// live in Postgres; a Notifier lets producers nudge the consumers so a freed
// capacity slot is picked up in milliseconds instead of a poll interval.
package queue

import (
	"context"
	"sync"
)

// Topic names one consumer wakeup channel.
type Topic string

const (
	// TopicGlobal wakes the global queue pump after a release or enqueue.
	TopicGlobal Topic = "global"
	// TopicPool wakes pool-queue waiters after a slot returns to idle.
	TopicPool Topic = "pool"
	// TopicRelease wakes the background release worker.
	TopicRelease Topic = "release"
)

// Notifier is a push signal on top of the database-backed queues. Losing a
// notification is safe: consumers still poll on a ticker, the signal only
// shortens the latency.
type Notifier interface {
	// Notify signals that the topic has new work.
	Notify(ctx context.Context, topic Topic) error

	// Subscribe returns a channel that fires when the topic has new work.
	// The channel closes when ctx is cancelled or the notifier is closed.
	Subscribe(ctx context.Context, topic Topic) <-chan struct{}

	Close() error
}

// NoopNotifier never signals; consumers fall back to pure polling. Used when
// no redis is configured and the daemon runs a single replica.
type NoopNotifier struct{}

func NewNoopNotifier() *NoopNotifier { return &NoopNotifier{} }

func (n *NoopNotifier) Notify(_ context.Context, _ Topic) error { return nil }

func (n *NoopNotifier) Subscribe(ctx context.Context, _ Topic) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (n *NoopNotifier) Close() error { return nil }

// ChannelNotifier is the in-process notifier for single-replica deployments.
type ChannelNotifier struct {
	mu     sync.Mutex
	subs   map[Topic][]chan struct{}
	closed bool
}

func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{subs: make(map[Topic][]chan struct{})}
}

func (n *ChannelNotifier) Notify(_ context.Context, topic Topic) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	for _, ch := range n.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// Subscriber already has a pending signal.
		}
	}
	return nil
}

func (n *ChannelNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	n.subs[topic] = append(n.subs[topic], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subs[topic]
		for i, s := range subs {
			if s == ch {
				n.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch
}

func (n *ChannelNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	n.subs = nil
	return nil
}
