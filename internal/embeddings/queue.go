package embeddings

import (
	"sync"
	"sync/atomic"
)

// compactThreshold is the number of consumed slots before the backing slice
// is shifted down.
const compactThreshold = 1024

// EmbedQueue is a multi-producer, multi-consumer queue of pending chunks.
//
// The length counter is incremented before a chunk becomes visible and
// decremented after it has been removed, so it is never below the number of
// stored chunks and never negative. Once pushes and pops stop, it equals the
// number of stored chunks.
type EmbedQueue struct {
	mu     sync.Mutex
	items  []EmbedChunk
	head   int
	length atomic.Int64
}

// NewEmbedQueue creates an empty queue
func NewEmbedQueue() *EmbedQueue {
	return &EmbedQueue{}
}

// Push adds a chunk to the queue
func (q *EmbedQueue) Push(chunk EmbedChunk) {
	q.length.Add(1)

	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()
}

// Pop removes and returns one chunk. It never blocks; ok is false when the
// queue is empty.
func (q *EmbedQueue) Pop() (chunk EmbedChunk, ok bool) {
	q.mu.Lock()
	if q.head == len(q.items) {
		q.mu.Unlock()
		return EmbedChunk{}, false
	}

	chunk = q.items[q.head]
	q.items[q.head] = EmbedChunk{}
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	q.mu.Unlock()

	q.length.Add(-1)
	return chunk, true
}

// PopN pops up to n chunks
func (q *EmbedQueue) PopN(n int) []EmbedChunk {
	if n <= 0 {
		return nil
	}
	out := make([]EmbedChunk, 0, n)
	for len(out) < n {
		chunk, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, chunk)
	}
	return out
}

// Len returns the length counter without synchronizing with the storage
func (q *EmbedQueue) Len() int {
	return int(q.length.Load())
}

// IsEmpty reports whether the length counter is zero
func (q *EmbedQueue) IsEmpty() bool {
	return q.Len() == 0
}
