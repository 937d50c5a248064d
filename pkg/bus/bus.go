package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MessageBus decouples channel event handlers from the memory recorder.
// Publishing never blocks longer than publishTimeout; overflow is counted
// and dropped.
type MessageBus struct {
	inbound chan InboundMessage
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

const (
	defaultBufferSize = 100
	publishTimeout    = 100 * time.Millisecond
)

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, size),
	}
}

// PublishInbound reports whether msg was queued.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}

	select {
	case mb.inbound <- msg:
		return true
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case mb.inbound <- msg:
			return true
		case <-timer.C:
			mb.dropped.Add(1)
			return false
		}
	}
}

// ConsumeInbound blocks for the next message. ok is false once the bus is
// closed and drained, or ctx is done.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// TryConsumeInbound returns the next queued message without blocking.
func (mb *MessageBus) TryConsumeInbound() (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	default:
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.dropped.Load()
}
