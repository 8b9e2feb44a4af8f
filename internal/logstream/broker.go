// Package logstream moves live deployment output from the worker running the
// subprocess to everything that wants to watch it: in-process followers, an
// optional valkey channel for other replicas, and the batched database flush.
package logstream

import (
	"sync"

	"github.com/google/uuid"
)

// Broker fans a deployment's log lines out to in-process subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan string]bool
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[uuid.UUID]map[chan string]bool),
	}
}

// Subscribe starts following a deployment's live output. The channel is
// buffered; a stalled reader loses lines rather than stalling the run.
func (b *Broker) Subscribe(deploymentID uuid.UUID) chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, 100)
	if b.subscribers[deploymentID] == nil {
		b.subscribers[deploymentID] = make(map[chan string]bool)
	}
	b.subscribers[deploymentID][ch] = true
	return ch
}

// Unsubscribe removes one follower and closes its channel.
func (b *Broker) Unsubscribe(deploymentID uuid.UUID, ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[deploymentID]
	if !ok {
		return
	}
	if _, member := subs[ch]; !member {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, deploymentID)
	}
}

// Publish delivers one line to every follower. Non-blocking: full channels
// drop the line.
func (b *Broker) Publish(deploymentID uuid.UUID, line string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[deploymentID] {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the stream for a deployment, closing every follower's channel.
// Called when the run reaches a terminal state.
func (b *Broker) Close(deploymentID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers[deploymentID] {
		close(ch)
	}
	delete(b.subscribers, deploymentID)
}
