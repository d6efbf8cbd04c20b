package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus connects channels with the gateway: channels push to Inbound,
// the gateway pushes to Outbound and DispatchOutbound fans out to the
// subscribed channel.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]func(OutboundMessage)),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// DispatchOutbound delivers outbound messages until ctx is done.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			subs := b.subscribers[msg.Channel]
			b.mu.RUnlock()
			if len(subs) == 0 {
				log.Printf("[bus] no subscriber for channel %q, dropping %s message", msg.Channel, msg.Kind)
				continue
			}
			for _, fn := range subs {
				fn(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
