package logstream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Fanout receives one deployment's log lines, redacts them and delivers them
// to every sink: the live broker, the optional valkey mirror, and an internal
// buffer the worker flushes to the database in batches. Nothing downstream of
// the redactor ever sees a raw secret.
type Fanout struct {
	deploymentID uuid.UUID
	redact       func(string) string
	broker       *Broker
	valkey       *ValkeyPublisher

	mu      sync.Mutex
	pending []string
}

// NewFanout builds the per-run log pipeline. redact, broker and valkey may
// each be nil.
func NewFanout(deploymentID uuid.UUID, redact func(string) string, broker *Broker, valkey *ValkeyPublisher) *Fanout {
	return &Fanout{
		deploymentID: deploymentID,
		redact:       redact,
		broker:       broker,
		valkey:       valkey,
	}
}

// Line accepts one output line. Its method value satisfies runner.Sink.
func (f *Fanout) Line(line string) {
	if f.redact != nil {
		line = f.redact(line)
	}

	f.mu.Lock()
	f.pending = append(f.pending, line)
	f.mu.Unlock()

	if f.broker != nil {
		f.broker.Publish(f.deploymentID, line)
	}
	if f.valkey != nil {
		// Background on purpose: a cancelled job still mirrors its last lines.
		if err := f.valkey.Publish(context.Background(), line); err != nil {
			slog.Warn("Failed to mirror log line to valkey",
				"deployment_id", f.deploymentID,
				"error", err)
		}
	}
}

// Drain returns the lines buffered since the previous drain, in emission
// order, and resets the buffer. The worker persists each batch.
func (f *Fanout) Drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := f.pending
	f.pending = nil
	return lines
}
