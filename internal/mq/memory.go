package mq

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBroker delivers messages in-process to every current subscriber of
// a channel. Messages published with no subscriber, or to a subscriber
// whose buffer is full, are dropped.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[string]chan Message
}

// NewMemoryBroker constructs an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[string]chan Message)}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	msg := Message{ID: uuid.NewString(), Data: append([]byte(nil), data...), Attributes: attrs}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg.ID, nil
}

// Subscribe blocks, handing each message to handler until ctx is done.
// A message whose handler fails is not redelivered.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) error {
	id := uuid.NewString()
	ch := make(chan Message, 64)

	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]chan Message)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[channel], id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			_ = handler(ctx, msg)
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[string]chan Message)
	return nil
}
