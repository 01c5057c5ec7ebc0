package messaging

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrBrokerClosed is returned by operations on a closed broker
var ErrBrokerClosed = errors.New("broker is closed")

// MemoryBroker delivers messages synchronously to in-process subscribers.
// A subscription topic ending in "*" matches every topic sharing its
// prefix, so "jobs.*" receives all scheduler events. Handler errors do not
// stop delivery to the remaining handlers.
type MemoryBroker struct {
	mu     sync.RWMutex
	exact  map[string][]MessageHandler
	prefix []prefixSubscription
	closed bool
}

type prefixSubscription struct {
	prefix  string
	handler MessageHandler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{exact: make(map[string][]MessageHandler)}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	handlers := append([]MessageHandler(nil), b.exact[topic]...)
	for _, sub := range b.prefix {
		if strings.HasPrefix(topic, sub.prefix) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		_ = handler(ctx, message)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	if p, ok := strings.CutSuffix(topic, "*"); ok {
		b.prefix = append(b.prefix, prefixSubscription{prefix: p, handler: handler})
		return nil
	}
	b.exact[topic] = append(b.exact[topic], handler)
	return nil
}

// Close drops all subscribers and rejects further publishing
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.exact = make(map[string][]MessageHandler)
	b.prefix = nil
	return nil
}
