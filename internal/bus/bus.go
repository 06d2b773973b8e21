package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Bus routes messages between registered layers. Its zero value is not
// usable; construct one with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Register subscribes a component to the bus. The returned func unregisters
// it and wakes anything blocked receiving on its behalf.
func (b *Bus) Register(reg Registration) (func(), error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("bus: registration ID must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[reg.ID]; exists {
		return nil, fmt.Errorf("bus: layer %q already registered", reg.ID)
	}
	sub := newSubscriber(reg)
	b.subs[reg.ID] = sub
	return func() { b.unregister(reg.ID) }, nil
}

func (b *Bus) unregister(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Registrations returns a snapshot of every currently registered component.
func (b *Bus) Registrations() []Registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Registration, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub.reg)
	}
	return out
}

// Publish routes msg to every subscriber matching its TargetLayer (or every
// subscriber but the sender's own layer, if TargetLayer is nil). It rejects
// a message with an empty ID and assigns a Timestamp if the caller left it zero.
func (b *Bus) Publish(msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("bus: message ID must not be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.RLock()
	var targets []*subscriber
	for _, sub := range b.subs {
		if msg.TargetLayer != nil {
			if sub.reg.LayerType == *msg.TargetLayer {
				targets = append(targets, sub)
			}
			continue
		}
		if sub.reg.LayerType != msg.SourceLayer {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	if msg.TargetLayer != nil && len(targets) == 0 {
		return fmt.Errorf("bus: no subscriber registered for target layer %q", *msg.TargetLayer)
	}

	for _, sub := range targets {
		sub.enqueue(msg)
	}
	return nil
}

// Receive blocks until a message is available for the subscriber registered
// as id, the subscriber is closed, or ctx is done. The second return value
// is false once nothing more will ever arrive.
func (b *Bus) Receive(ctx context.Context, id string) (Message, bool) {
	b.mu.RLock()
	sub, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return Message{}, false
	}

	cancelled := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(cancelled)
			sub.wake()
		case <-done:
		}
	}()
	msg, ok := sub.receiveBlocking(cancelled)
	close(done)
	return msg, ok
}

// Shutdown delivers a Shutdown message to every registered subscriber and
// closes them, waking any blocked Receive calls.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(Message{
			ID:        "shutdown/" + sub.reg.ID,
			Type:      Shutdown,
			Priority:  Critical,
			Timestamp: time.Now(),
		})
		sub.close()
	}
}
