package loglistener

import (
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"github.com/ethereum-optimism/op-suite-runner/types"
)

// ringBuffer is a bounded FIFO of raw log events. When full, pushing evicts the oldest record,
// so producers never block.
type ringBuffer struct {
	mu     sync.Mutex
	queue  *circularbuffer.Queue
	notify chan struct{}
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{
		queue:  circularbuffer.New(size),
		notify: make(chan struct{}, 1),
	}
}

// push adds ev and reports whether an older record was evicted to make room.
func (b *ringBuffer) push(ev types.Event) (evicted bool) {
	b.mu.Lock()
	if b.queue.Full() {
		b.queue.Dequeue()
		evicted = true
	}
	b.queue.Enqueue(ev)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (b *ringBuffer) pop() (types.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.queue.Dequeue()
	if !ok {
		return types.Event{}, false
	}
	return v.(types.Event), true
}

func (b *ringBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Size()
}
