package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultRedisChannel is the pub/sub channel shared by host instances
const DefaultRedisChannel = "plugd:events"

// RedisRelay mirrors broadcaster events across host instances. Events
// published locally are forwarded to Redis; events from other instances are
// delivered to local subscribers.
type RedisRelay struct {
	client      *redis.Client
	channel     string
	broadcaster *Broadcaster
	logger      *logrus.Logger

	mu   sync.Mutex
	stop func() error
}

// NewRedisRelay creates a relay for b over client
func NewRedisRelay(client *redis.Client, channel string, b *Broadcaster, logger *logrus.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisRelay{
		client:      client,
		channel:     channel,
		broadcaster: b,
		logger:      logger,
	}
}

// Start subscribes to the Redis channel and begins relaying. It returns once
// the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	local := r.broadcaster.Subscribe(DefaultBuffer * 4)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.forwardLocal(gctx, local) })
	g.Go(func() error { return r.receiveRemote(gctx, pubsub) })

	r.mu.Lock()
	r.stop = func() error {
		cancel()
		local.Close()
		pubsub.Close()
		return g.Wait()
	}
	r.mu.Unlock()

	r.logger.Infof("Relaying plugin events over redis channel %s", r.channel)
	return nil
}

// Stop ends relaying and waits for the workers to exit
func (r *RedisRelay) Stop() error {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}

func (r *RedisRelay) forwardLocal(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if evt.Origin != r.broadcaster.Instance() {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				r.logger.Warnf("failed to marshal %s event: %v", evt.Type, err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil && ctx.Err() == nil {
				r.logger.Warnf("failed to relay %s event: %v", evt.Type, err)
			}
		}
	}
}

func (r *RedisRelay) receiveRemote(ctx context.Context, pubsub *redis.PubSub) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warnf("ignoring malformed relayed event: %v", err)
				continue
			}
			if evt.Origin == r.broadcaster.Instance() || !evt.Type.Valid() {
				continue
			}
			r.broadcaster.deliver(evt)
		}
	}
}
