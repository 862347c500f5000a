// Package memory keeps published alerts in a bounded in-process outbox. It
// stands in for Pub/Sub when no project is configured and backs tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity bounds the outbox when New is given a non-positive size.
const DefaultCapacity = 1000

// Message is one published payload in its wire form.
type Message struct {
	ID    string
	Topic string
	Data  []byte
	At    time.Time
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Publisher retains the most recent messages up to its capacity. Older
// messages are dropped first.
type Publisher struct {
	mu       sync.RWMutex
	capacity int
	seq      int64
	outbox   []Message
}

// New returns a Publisher holding at most capacity messages.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish encodes payload as JSON, the same body the Pub/Sub publisher
// sends, and appends it to the outbox.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Data: data, At: time.Now().UTC()}
	if len(p.outbox) == p.capacity {
		copy(p.outbox, p.outbox[1:])
		p.outbox = p.outbox[:len(p.outbox)-1]
	}
	p.outbox = append(p.outbox, msg)
	return msg.ID, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.outbox...)
}

// Topic returns the retained messages published to topic, oldest first.
func (p *Publisher) Topic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.outbox {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Published reports how many messages were accepted, including dropped ones.
func (p *Publisher) Published() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seq
}
