// Package queue carries operation requests from the façade to the worker
// pool. Messages hold identifiers only; the deployment row in the database
// is the source of truth for everything else.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/google/uuid"
)

// Op is the kind of terraform run a message requests.
type Op string

const (
	OpDeploy  Op = "deploy"
	OpDestroy Op = "destroy"
)

// Message points a worker at one deployment row.
type Message struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	WorkshopID   uuid.UUID `json:"workshop_id"`
	TemplateID   uuid.UUID `json:"template_id"`
	Op           Op        `json:"op"`
}

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// Queue is the operation transport between façade and workers.
type Queue interface {
	// Enqueue submits a message. The deployment row must already exist.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue blocks until a message arrives. Returns ctx.Err() on context
	// cancellation, ErrClosed after Close, and context.DeadlineExceeded on
	// an empty poll interval (callers just loop).
	Dequeue(ctx context.Context) (Message, error)

	// Close shuts the queue down and releases resources.
	Close() error
}

// New builds the queue selected by configuration.
func New(cfg config.QueueConfig) (Queue, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryQueue(100), nil
	case "valkey":
		return NewValkeyQueue(cfg.ValkeyAddr)
	default:
		return nil, fmt.Errorf("queue: unknown type %q", cfg.Type)
	}
}
