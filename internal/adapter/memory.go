package adapter

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const memoryStreamDepth = 256

type memoryMessage struct {
	key  string
	body []byte
}

// MemoryBroker moves messages through in-process channels. It serves
// single-process deployments and tests; nothing survives a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]chan memoryMessage
	closed  bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{streams: make(map[string]chan memoryMessage)}
}

func (b *MemoryBroker) stream(name string) (chan memoryMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker is closed")
	}
	ch, ok := b.streams[name]
	if !ok {
		ch = make(chan memoryMessage, memoryStreamDepth)
		b.streams[name] = ch
	}
	return ch, nil
}

func (b *MemoryBroker) Publish(ctx context.Context, stream, key string, body []byte) error {
	ch, err := b.stream(stream)
	if err != nil {
		return err
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	select {
	case ch <- memoryMessage{key: key, body: buf}:
		return nil
	default:
		return errors.Errorf("stream %s is full", stream)
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, stream string, fn HandlerFunc) error {
	ch, err := b.stream(stream)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			// Nothing to redeliver to in-process, so a failed handler
			// drops the message after the handler has logged it.
			_ = fn(ctx, msg.key, msg.body)
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
