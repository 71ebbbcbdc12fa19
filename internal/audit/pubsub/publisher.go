// Package pubsub fans audit writes out to Google Cloud Pub/Sub so downstream
// consumers (billing, analytics) see every gateway decision without touching
// the gateway's database.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Publisher implements gateway.AuditSink on a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// Config for New.
type Config struct {
	ProjectID string
	TopicID   string
}

// New creates the client and binds the topic.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// WriteRecord publishes one request record as JSON.
func (p *Publisher) WriteRecord(ctx context.Context, record gateway.AuditRecord) error {
	return p.publish(ctx, "request_log", record)
}

// WriteAuthEvent publishes one auth event as JSON.
func (p *Publisher) WriteAuthEvent(ctx context.Context, event gateway.AuthEvent) error {
	return p.publish(ctx, "auth_event", event)
}

func (p *Publisher) publish(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": kind},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
