// Package pubsub adapts watermill's AMQP transport to the fabric: topic
// exchange publishers for the audit trail and per-handler durable queues
// for broker ingest.
package pubsub

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
)

// Provider builds AMQP publishers and subscribers off one broker URL.
type Provider struct {
	config amqp.Config
	logger watermill.LoggerAdapter
}

func NewProvider(url, queuePrefix string, logger *slog.Logger) *Provider {
	return &Provider{
		config: amqp.NewDurablePubSubConfig(url,
			amqp.GenerateQueueNameTopicNameWithSuffix(queuePrefix)),
		logger: watermill.NewSlogLogger(logger),
	}
}

// Logger exposes the watermill adapter for router construction.
func (p *Provider) Logger() watermill.LoggerAdapter { return p.logger }

func (p *Provider) BuildPublisher() (message.Publisher, error) {
	return amqp.NewPublisher(p.config, p.logger)
}

func (p *Provider) BuildSubscriber() (message.Subscriber, error) {
	return amqp.NewSubscriber(p.config, p.logger)
}
