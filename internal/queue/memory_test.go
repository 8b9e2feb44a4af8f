package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/google/uuid"
)

func testMessage(op Op) Message {
	return Message{
		DeploymentID: uuid.New(),
		WorkshopID:   uuid.New(),
		TemplateID:   uuid.New(),
		Op:           op,
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	first := testMessage(OpDeploy)
	second := testMessage(OpDestroy)
	ctx := context.Background()

	if err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.DeploymentID != first.DeploymentID || got.Op != OpDeploy {
		t.Errorf("first dequeue = %+v", got)
	}

	got, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.DeploymentID != second.DeploymentID || got.Op != OpDestroy {
		t.Errorf("second dequeue = %+v", got)
	}
}

func TestMemoryQueueRejectsNilDeployment(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	if err := q.Enqueue(context.Background(), Message{Op: OpDeploy}); err == nil {
		t.Fatal("expected error for message without deployment ID")
	}
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(10)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestMemoryQueueEnqueueBackpressure(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, testMessage(OpDeploy)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(shortCtx, testMessage(OpDeploy))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error on full buffer, got %v", err)
	}
}

func TestMemoryQueueCloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryQueue(10)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue still blocked after Close")
	}

	if err := q.Enqueue(context.Background(), testMessage(OpDeploy)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	// Close is idempotent.
	q.Close()
}

func TestNewSelectsByConfig(t *testing.T) {
	q, err := New(config.QueueConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("new memory queue: %v", err)
	}
	if _, ok := q.(*MemoryQueue); !ok {
		t.Errorf("got %T, want *MemoryQueue", q)
	}
	q.Close()

	if _, err := New(config.QueueConfig{Type: "rabbitmq"}); err == nil {
		t.Fatal("expected error for unknown queue type")
	}
}
