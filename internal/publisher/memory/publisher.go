// Package memory implements a Publisher that records execution lifecycle
// events in process. It stands in for the Pub/Sub publisher in tests and in
// local runs without a Google Cloud project.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// PublishedMessage is one recorded lifecycle event.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// Publisher appends events to an in-process log that tests can read back.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event under its topic and returns a synthetic message
// ID; it never fails.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded events in publish order. The slice is a
// copy; mutating it does not affect the publisher.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
