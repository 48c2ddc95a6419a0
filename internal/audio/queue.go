package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// Queue is the bounded hand-off between the audio callback and the
// transcription worker. Enqueue never blocks: when the queue is full the
// newest utterance is dropped and counted. Samples are copied into
// queue-owned storage so the producer retains no reference.
type Queue struct {
	ch        chan []float32
	overflow  atomic.Uint64
	closeOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan []float32, capacity)}
}

// TryEnqueue offers an utterance to the queue. Returns false (and counts
// the overflow) when the queue is full.
func (q *Queue) TryEnqueue(samples []float32) bool {
	owned := make([]float32, len(samples))
	copy(owned, samples)
	select {
	case q.ch <- owned:
		return true
	default:
		q.overflow.Add(1)
		return false
	}
}

// Dequeue blocks until an utterance is available, the queue is closed, or
// ctx is done. The second return is false when no more utterances will
// arrive.
func (q *Queue) Dequeue(ctx context.Context) ([]float32, bool) {
	select {
	case u, ok := <-q.ch:
		return u, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close wakes the consumer; pending utterances are still drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Len reports the number of queued utterances.
func (q *Queue) Len() int { return len(q.ch) }

// Overflow counts utterances dropped because the queue was full.
func (q *Queue) Overflow() uint64 { return q.overflow.Load() }
