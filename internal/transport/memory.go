package transport

import (
	"context"
	"log"
	"sync"
	"time"
)

// Memory is an in-process broker. It lets every role run inside one process
// (broker url memory://) and gives tests a broker with controllable
// connectivity.
type Memory struct {
	mu      sync.RWMutex
	clients map[*MemoryClient]struct{}
}

func NewMemory() *Memory {
	return &Memory{clients: map[*MemoryClient]struct{}{}}
}

// Client creates a session bound to this broker. It starts disconnected.
func (b *Memory) Client(id string) *MemoryClient {
	c := &MemoryClient{
		id:     id,
		broker: b,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

func (b *Memory) deliver(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		c.deliver(topic, payload)
	}
}

func (b *Memory) remove(c *MemoryClient) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

type memorySub struct {
	filter string
	queue  chan Message
}

// MemoryClient implements Client against a Memory broker. Each subscription
// has its own queue and goroutine, so delivery is sequential per subscription.
type MemoryClient struct {
	id     string
	broker *Memory
	events chan Event

	mu        sync.Mutex
	connected bool
	subs      []*memorySub
	wg        sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// memoryQueueSize bounds each subscription's backlog; overflow is dropped
// and logged, matching a broker shedding load for a slow consumer.
const memoryQueueSize = 4096

func (c *MemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.SetConnected(true)
	return nil
}

// SetConnected flips connectivity and emits the matching event.
func (c *MemoryClient) SetConnected(up bool) {
	c.mu.Lock()
	changed := c.connected != up
	c.connected = up
	c.mu.Unlock()
	if !changed {
		return
	}
	ev := Event{Kind: Disconnected, At: time.Now()}
	if up {
		ev.Kind = Connected
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *MemoryClient) Publish(topic string, _ QoS, payload []byte) error {
	c.mu.Lock()
	up := c.connected
	c.mu.Unlock()
	if !up {
		return ErrNotConnected
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.broker.deliver(topic, cp)
	return nil
}

func (c *MemoryClient) Subscribe(filter string, _ QoS, h Handler) error {
	s := &memorySub{filter: filter, queue: make(chan Message, memoryQueueSize)}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case msg := <-s.queue:
				h(msg)
			}
		}
	}()
	return nil
}

func (c *MemoryClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	for _, s := range c.subs {
		if !MatchTopic(s.filter, topic) {
			continue
		}
		select {
		case s.queue <- Message{Topic: topic, Payload: payload, Received: time.Now()}:
		default:
			log.Printf("[memory:%s] dropping message on %s: subscriber backlog full", c.id, topic)
		}
	}
}

func (c *MemoryClient) Events() <-chan Event { return c.events }

func (c *MemoryClient) Close() {
	c.closeOnce.Do(func() {
		c.broker.remove(c)
		close(c.done)
		c.wg.Wait()
	})
}
