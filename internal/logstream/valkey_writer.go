package logstream

import (
	"context"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const channelPrefix = "forge:logs:"

// ValkeyPublisher mirrors a deployment's log lines to a valkey pub/sub
// channel so followers on other engine replicas see them too.
type ValkeyPublisher struct {
	client  valkey.Client
	channel string
}

func NewValkeyPublisher(client valkey.Client, deploymentID uuid.UUID) *ValkeyPublisher {
	return &ValkeyPublisher{
		client:  client,
		channel: channelPrefix + deploymentID.String(),
	}
}

// Publish sends one line to the deployment's channel.
func (p *ValkeyPublisher) Publish(ctx context.Context, line string) error {
	cmd := p.client.B().Publish().Channel(p.channel).Message(line).Build()
	return p.client.Do(ctx, cmd).Error()
}

// Channel returns the pub/sub channel name for this deployment.
func (p *ValkeyPublisher) Channel() string {
	return p.channel
}

// Follow subscribes to a deployment's channel on another replica and invokes
// fn per line until ctx ends.
func Follow(ctx context.Context, client valkey.Client, deploymentID uuid.UUID, fn func(line string)) error {
	cmd := client.B().Subscribe().Channel(channelPrefix + deploymentID.String()).Build()
	return client.Receive(ctx, cmd, func(msg valkey.PubSubMessage) {
		fn(msg.Message)
	})
}
