package mq

import (
	"log/slog"

	"github.com/runonbitcoin/indexer/internal/indexer"
)

// EventPublisher forwards engine events onto the message queue so that
// remote executors can pick up ready transactions.
type EventPublisher struct {
	indexer.NoopEvents

	client MessageQueueClient
	logger *slog.Logger
}

func NewEventPublisher(client MessageQueueClient, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		client: client,
		logger: logger.With(slog.String("module", "event-publisher")),
	}
}

func (p *EventPublisher) publish(topic, txid string) {
	if err := p.client.Publish(topic, []byte(txid)); err != nil {
		p.logger.Error("failed to publish event", slog.String("topic", topic), slog.String("txid", txid), slog.String("err", err.Error()))
	}
}

func (p *EventPublisher) OnReadyToExecute(txid string) {
	p.publish(ReadyTopic, txid)
}

func (p *EventPublisher) OnJigState(location string) {
	p.publish(JigTopic, location)
}

func (p *EventPublisher) OnTrustTransaction(txid string) {
	p.publish(TrustTopic, txid)
}

func (p *EventPublisher) OnDeleteTransaction(txid string) {
	p.publish(DeletedTopic, txid)
}
