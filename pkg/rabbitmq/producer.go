/**
 * @description
 * This package publishes and consumes ledger events on a RabbitMQ topic exchange.
 * The producer reopens its channel once on failure.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - pkg/logger: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/transfa/ledger-service/pkg/logger"
)

// Message is one outgoing publication.
type Message struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Headers    map[string]interface{}
	Body       interface{}
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *logger.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters that precede the scheme.
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ with a bounded timeout.
func NewEventProducer(amqpURL string, log *logger.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, log: log.With("component", "rabbitmq_producer")}, nil
}

// Publish declares the durable topic exchange and sends msg as JSON. A failed
// publish reopens the channel and is retried once.
func (p *EventProducer) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		p.log.Error("json marshal failed", "exchange", msg.Exchange, "routing_key", msg.RoutingKey, "error", err)
		return err
	}
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.MessageID,
		Headers:      amqp091.Table(msg.Headers),
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishOnce(ctx, msg, publishing)
	if err == nil {
		return nil
	}
	p.log.Warn("publish failed; reopening channel", "exchange", msg.Exchange, "routing_key", msg.RoutingKey, "error", err)
	if p.conn == nil {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishOnce(ctx, msg, publishing)
}

func (p *EventProducer) publishOnce(ctx context.Context, msg Message, publishing amqp091.Publishing) error {
	if err := p.channel.ExchangeDeclare(msg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, false, false, publishing)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
