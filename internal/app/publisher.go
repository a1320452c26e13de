package app

import (
	"context"
	"fmt"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/logger"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

// EventPublisher hands committed events to downstream consumers. Publishing happens
// after the append has succeeded and never fails the command.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.Event)
}

// RoutingKey is the topic key of e: ledger.<aggregate_type>.<event_type>.
func RoutingKey(e domain.Event) string {
	return fmt.Sprintf("ledger.%s.%s", e.Stream.Type, e.Type)
}

// RabbitEventPublisher publishes each event to a topic exchange.
type RabbitEventPublisher struct {
	producer rabbitmq.Publisher
	exchange string
	log      *logger.Logger
}

func NewRabbitEventPublisher(producer rabbitmq.Publisher, exchange string, log *logger.Logger) *RabbitEventPublisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &RabbitEventPublisher{producer: producer, exchange: exchange, log: log}
}

// Publish sends events after they are committed. A broker failure is logged and
// the events remain in the event store.
func (p *RabbitEventPublisher) Publish(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		msg := rabbitmq.Message{
			Exchange:   p.exchange,
			RoutingKey: RoutingKey(e),
			MessageID:  e.ID.String(),
			Headers: map[string]interface{}{
				"aggregate_type": string(e.Stream.Type),
				"aggregate_id":   e.Stream.ID.String(),
				"version":        e.Version,
			},
			Body: e,
		}
		if err := p.producer.Publish(ctx, msg); err != nil {
			p.log.Error("failed to publish ledger event", "component", "event_publisher",
				"routing_key", msg.RoutingKey, "event_id", e.ID, "version", e.Version, "err", err)
		}
	}
}

// ProjectingPublisher feeds events straight into a Projector. It is used when no
// broker is configured so the history read model stays current in-process.
type ProjectingPublisher struct {
	projector *Projector
}

func NewProjectingPublisher(projector *Projector) *ProjectingPublisher {
	return &ProjectingPublisher{projector: projector}
}

func (p *ProjectingPublisher) Publish(ctx context.Context, events []domain.Event) {
	if err := p.projector.Project(ctx, events); err != nil {
		p.projector.log.Error("in-process projection failed", "component", "event_publisher", "err", err)
	}
}
