package edge

import "time"

// BufferedMessage is a wire message waiting for the broker.
type BufferedMessage struct {
	Topic      string
	Payload    []byte
	EnqueuedAt time.Time
}

// Buffer is a bounded FIFO ring. Pushing into a full buffer evicts the
// oldest entry. It is not safe for concurrent use; Publisher guards it.
type Buffer struct {
	items []BufferedMessage
	head  int
	size  int
}

// NewBuffer returns a buffer holding at most capacity messages. Capacities
// below 1 are raised to 1.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{items: make([]BufferedMessage, capacity)}
}

// Push appends m. When the buffer was full the oldest entry is returned
// with evicted=true.
func (b *Buffer) Push(m BufferedMessage) (old BufferedMessage, evicted bool) {
	c := len(b.items)
	if b.size == c {
		old = b.items[b.head]
		b.items[b.head] = m
		b.head = (b.head + 1) % c
		return old, true
	}
	b.items[(b.head+b.size)%c] = m
	b.size++
	return BufferedMessage{}, false
}

// Peek returns the oldest entry without removing it.
func (b *Buffer) Peek() (BufferedMessage, bool) {
	if b.size == 0 {
		return BufferedMessage{}, false
	}
	return b.items[b.head], true
}

// Pop removes and returns the oldest entry.
func (b *Buffer) Pop() (BufferedMessage, bool) {
	if b.size == 0 {
		return BufferedMessage{}, false
	}
	m := b.items[b.head]
	b.items[b.head] = BufferedMessage{}
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return m, true
}

func (b *Buffer) Len() int { return b.size }
func (b *Buffer) Cap() int { return len(b.items) }

// Entries copies the buffered messages, oldest first.
func (b *Buffer) Entries() []BufferedMessage {
	out := make([]BufferedMessage, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}
