package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// enqueueTimeout bounds how long Enqueue waits on a full buffer before
// reporting backpressure to the caller.
const enqueueTimeout = 5 * time.Second

// MemoryQueue is the single-process transport: a buffered channel between
// the façade and the worker pool.
type MemoryQueue struct {
	ch        chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	q := &MemoryQueue{
		ch:   make(chan Message, bufferSize),
		done: make(chan struct{}),
	}
	slog.Info("Initialized in-memory operation queue", "buffer_size", bufferSize)
	return q
}

// Enqueue submits a message, waiting briefly when the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.DeploymentID == uuid.Nil {
		return fmt.Errorf("queue: message must reference a deployment")
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- msg:
		slog.Debug("Operation enqueued", "deployment_id", msg.DeploymentID, "op", msg.Op)
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(enqueueTimeout):
		return fmt.Errorf("queue: full, could not enqueue deployment %s", msg.DeploymentID)
	}
}

// Dequeue blocks until a message arrives, the context ends or the queue
// closes.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case msg := <-q.ch:
		slog.Debug("Operation dequeued", "deployment_id", msg.DeploymentID, "op", msg.Op)
		return msg, nil
	case <-q.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close wakes every blocked producer and consumer. Messages still buffered
// are dropped; their deployment rows stay pending in the database.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		slog.Info("Memory queue closed")
	})
	return nil
}
