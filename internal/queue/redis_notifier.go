package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "meeboter:notify:"

// RedisNotifier broadcasts wakeups over redis PUBLISH/SUBSCRIBE so a release
// on one daemon replica wakes the queue pump on every replica.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[Topic][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[Topic][]*redisSub),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, topic Topic) error {
	return n.client.Publish(ctx, redisChannelPrefix+string(topic), "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, topic Topic) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[topic] = append(n.subs[topic], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+string(topic))

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				n.removeSub(topic, rs)
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Subscriber already has a pending signal.
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

func (n *RedisNotifier) removeSub(topic Topic, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[topic]
	for i, s := range subs {
		if s == target {
			n.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
