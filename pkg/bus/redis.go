package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// Redis is a bus backend on a Redis pub/sub channel. Redis delivers every
// publish to every subscriber of the channel, the publisher included.
type Redis struct {
	client  *redis.Client
	channel string
	fanout  *fanout
	logger  *slog.Logger
	metrics metrics.Collector

	mu      sync.Mutex
	pubsub  *redis.PubSub
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// RedisConfig holds Redis bus configuration
type RedisConfig struct {
	Client  *redis.Client
	Channel string
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// NewRedis creates a Redis bus on cfg.Channel
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis bus requires a client")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("redis bus requires a channel")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	return &Redis{
		client:  cfg.Client,
		channel: cfg.Channel,
		fanout:  newFanout(),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// NewRedisClient builds a client from a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish sends msg to the channel
func (r *Redis) Publish(ctx context.Context, msg protocol.Message) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		r.metrics.BusError("encode")
		return err
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.metrics.BusError("publish")
		return fmt.Errorf("failed to publish %s: %w", msg.Type(), err)
	}

	r.metrics.BusPublished(string(msg.Type()))
	return nil
}

// Subscribe registers h. The channel subscription is opened on the first call.
func (r *Redis) Subscribe(h Handler) func() {
	unsubscribe := r.fanout.add(h)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.started {
		return unsubscribe
	}

	r.pubsub = r.client.Subscribe(context.Background(), r.channel)
	r.started = true
	r.wg.Add(1)
	go r.receiveLoop(r.pubsub.Channel())

	return unsubscribe
}

func (r *Redis) receiveLoop(ch <-chan *redis.Message) {
	defer r.wg.Done()

	// Channel is closed when the PubSub is closed
	for m := range ch {
		msg, err := protocol.Decode([]byte(m.Payload))
		if err != nil {
			r.logger.Debug("dropping malformed bus message", "channel", m.Channel, "error", err)
			r.metrics.BusError("decode")
			continue
		}
		r.metrics.BusReceived(string(msg.Type()))
		r.fanout.deliver(msg)
	}
}

// Close closes the subscription. The client itself is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.pubsub
	r.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
	}
	r.wg.Wait()
	return err
}
