package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// localQueueSize bounds each subscriber's pending deliveries
const localQueueSize = 256

// Local is an in-process broadcast bus. Every published message is
// serialized and decoded again so subscribers never share memory with
// the publisher, then queued to each subscriber's delivery goroutine.
// Like a browser BroadcastChannel shared by several tabs, it delivers to
// every subscriber including ones owned by the publisher.
type Local struct {
	mu      sync.Mutex
	subs    map[int]*localSub
	nextID  int
	closed  bool
	logger  *slog.Logger
	metrics metrics.Collector
}

type localSub struct {
	queue chan protocol.Message
	done  chan struct{}
	once  sync.Once
}

// NewLocal creates an in-process bus
func NewLocal(logger *slog.Logger, m metrics.Collector) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Local{
		subs:    make(map[int]*localSub),
		logger:  logger,
		metrics: m,
	}
}

// Publish fans msg out to all subscribers without blocking on slow ones
func (l *Local) Publish(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		l.metrics.BusError("encode")
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*localSub, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	l.metrics.BusPublished(string(msg.Type()))

	for _, s := range subs {
		// Each subscriber gets its own decoded copy
		copyMsg, err := protocol.Decode(data)
		if err != nil {
			l.metrics.BusError("decode")
			return err
		}
		select {
		case s.queue <- copyMsg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		default:
			l.logger.Warn("local bus subscriber queue full, dropping message", "type", msg.Type())
			l.metrics.BusError("queue_full")
		}
	}
	return nil
}

// Subscribe registers h and starts its delivery goroutine
func (l *Local) Subscribe(h Handler) func() {
	sub := &localSub{
		queue: make(chan protocol.Message, localQueueSize),
		done:  make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}
	id := l.nextID
	l.nextID++
	l.subs[id] = sub
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.queue:
				l.metrics.BusReceived(string(msg.Type()))
				h(msg)
			}
		}
	}()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		sub.stop()
	}
}

func (s *localSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Close stops all delivery goroutines
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, s := range l.subs {
		s.stop()
		delete(l.subs, id)
	}
	return nil
}
