package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// opsKey is the valkey list shared by every engine replica.
const opsKey = "forge:ops"

// ValkeyQueue is the multi-replica transport: RPUSH/BLPOP on a shared list.
// Only identifiers travel through valkey; deployment rows stay the source of
// truth, so a lost message is re-driveable from the database.
type ValkeyQueue struct {
	client valkey.Client
}

func NewValkeyQueue(addr string) (*ValkeyQueue, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: connect to valkey: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping valkey: %w", err)
	}

	slog.Info("Initialized valkey operation queue", "address", addr, "queue_key", opsKey)
	return &ValkeyQueue{client: client}, nil
}

// Enqueue pushes the message onto the shared list (RPUSH for FIFO).
func (q *ValkeyQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.DeploymentID == uuid.Nil {
		return fmt.Errorf("queue: message must reference a deployment")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	cmd := q.client.B().Rpush().Key(opsKey).Element(string(payload)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("queue: push to valkey: %w", err)
	}

	slog.Debug("Operation enqueued", "deployment_id", msg.DeploymentID, "op", msg.Op)
	return nil
}

// Dequeue blocks up to the poll interval for the next message. An empty
// interval surfaces as context.DeadlineExceeded so callers loop without
// special-casing valkey.
func (q *ValkeyQueue) Dequeue(ctx context.Context) (Message, error) {
	cmd := q.client.B().Blpop().Key(opsKey).Timeout(5).Build()
	result := q.client.Do(ctx, cmd)

	// BLPOP returns [key, value]; a nil reply means the interval elapsed
	// with nothing queued.
	values, err := result.AsStrSlice()
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, context.DeadlineExceeded
	}
	if len(values) < 2 {
		return Message{}, fmt.Errorf("queue: invalid BLPOP result: expected 2 values, got %d", len(values))
	}

	var msg Message
	if err := json.Unmarshal([]byte(values[1]), &msg); err != nil {
		return Message{}, fmt.Errorf("queue: unmarshal message: %w", err)
	}

	slog.Debug("Operation dequeued", "deployment_id", msg.DeploymentID, "op", msg.Op)
	return msg, nil
}

// Client exposes the underlying connection for the log mirror.
func (q *ValkeyQueue) Client() valkey.Client {
	return q.client
}

// Close closes the valkey connection.
func (q *ValkeyQueue) Close() error {
	q.client.Close()
	slog.Info("Valkey queue closed")
	return nil
}
