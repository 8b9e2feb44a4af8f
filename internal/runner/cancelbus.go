package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

// cancelChannel is the valkey pub/sub channel every worker host listens on.
const cancelChannel = "forge:cancel"

// CancelBus carries cancel signals between processes. A registry only reaches
// runs inside its own process; with the valkey queue the run usually lives in
// a worker daemon while the cancel request arrives elsewhere, so the request
// is broadcast and the host owning the run relays it into its registry.
type CancelBus struct {
	client valkey.Client
}

func NewCancelBus(client valkey.Client) *CancelBus {
	return &CancelBus{client: client}
}

// Broadcast publishes a cancel signal for the deployment and reports how many
// hosts received it. Zero receivers means no worker daemon is listening.
func (b *CancelBus) Broadcast(ctx context.Context, id uuid.UUID) (int64, error) {
	cmd := b.client.B().Publish().Channel(cancelChannel).Message(id.String()).Build()
	return b.client.Do(ctx, cmd).AsInt64()
}

// Listen relays broadcast cancel signals into the local registry until ctx
// ends. A signal can arrive before the run registers its cancel function, so
// each miss is retried briefly instead of dropped.
func (b *CancelBus) Listen(ctx context.Context, registry *Registry) error {
	cmd := b.client.B().Subscribe().Channel(cancelChannel).Build()
	return b.client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		id, err := uuid.Parse(msg.Message)
		if err != nil {
			slog.Warn("Ignoring malformed cancel signal", "payload", msg.Message)
			return
		}
		go b.relay(ctx, registry, id)
	})
}

func (b *CancelBus) relay(ctx context.Context, registry *Registry, id uuid.UUID) {
	for attempt := 0; attempt < 20; attempt++ {
		if registry.Cancel(id) {
			slog.Info("Relayed cancel signal", "deployment_id", id)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	slog.Debug("Cancel signal had no local run", "deployment_id", id)
}
