// Package pubsub publishes run completion messages to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// publishFunc sends one message and waits for its server id.
type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads to topics of one project.
type Publisher struct {
	mu     sync.Mutex
	topics map[string]publishFunc
	open   func(name string) publishFunc
	stop   func()
}

// New creates a Publisher over client. Close stops every topic it opened.
func New(client *pubsub.Client) *Publisher {
	var (
		mu     sync.Mutex
		opened []*pubsub.Topic
	)
	p := &Publisher{topics: make(map[string]publishFunc)}
	p.open = func(name string) publishFunc {
		topic := client.Topic(name)
		mu.Lock()
		opened = append(opened, topic)
		mu.Unlock()
		return func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx) //nolint:wrapcheck
		}
	}
	p.stop = func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range opened {
			t.Stop()
		}
	}
	return p
}

// Publish marshals payload to JSON and publishes it to topic. Payloads that
// implement crawler.Attributer also set message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	id, err := p.topic(topic)(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops opened topics.
func (p *Publisher) Close() {
	if p.stop != nil {
		p.stop()
	}
}

func (p *Publisher) topic(name string) publishFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.topics[name]
	if !ok {
		fn = p.open(name)
		p.topics[name] = fn
	}
	return fn
}

func attributes(payload any) map[string]string {
	if a, ok := payload.(crawler.Attributer); ok {
		return a.Attributes()
	}
	return map[string]string{}
}
