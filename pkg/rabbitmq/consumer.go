package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/transfa/ledger-service/pkg/logger"
)

// Handler processes one delivery body. Returning false re-queues the message.
type Handler func(body []byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logger.Logger
}

func NewConsumer(amqpURL string, log *logger.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, log: log.With("component", "rabbitmq_consumer")}, nil
}

// ConsumeWithBindings binds queueName to exchange with every pattern in bindings and
// dispatches each delivery to the first pattern matching its routing key.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for pattern, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[pattern] = handler
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return err
		}
	}

	if err := c.ch.Qos(32, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler := route(handlers, d.RoutingKey)
			if handler == nil {
				c.log.Warn("no handler for routing key; acknowledging to drop", "routing_key", d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				c.log.Warn("handler failed; re-queuing", "routing_key", d.RoutingKey, "message_id", d.MessageId)
				d.Nack(false, true)
			}
		}
		c.log.Info("delivery channel closed", "queue", q.Name)
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func route(handlers map[string]Handler, routingKey string) Handler {
	if h, ok := handlers[routingKey]; ok {
		return h
	}
	for pattern, h := range handlers {
		if matchTopic(pattern, routingKey) {
			return h
		}
	}
	return nil
}

// matchTopic applies AMQP topic semantics: "*" matches one word, "#" zero or more.
func matchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
