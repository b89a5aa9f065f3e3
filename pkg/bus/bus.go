// Package bus implements the signaling bus: a best-effort broadcast topic
// with no ordering, acknowledgment or persistence. All backends satisfy
// the same Bus interface so the endpoint is transport-agnostic.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("bus closed")

// Handler receives every decoded message delivered by the bus,
// including messages the local endpoint published itself.
type Handler func(msg protocol.Message)

// Bus is the signaling transport contract
type Bus interface {
	Publish(ctx context.Context, msg protocol.Message) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// fanout tracks subscribed handlers for the network backends.
// Handlers run sequentially on the delivering goroutine.
type fanout struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

func newFanout() *fanout {
	return &fanout{handlers: make(map[int]Handler)}
}

func (f *fanout) add(h Handler) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) deliver(msg protocol.Message) {
	f.mu.RLock()
	handlers := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (f *fanout) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}
