package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpChannel is the slice of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher publishes events to a topic exchange with routing key
// "worktime.<kind>".
type AMQPPublisher struct {
	ch       amqpChannel
	exchange string
	timeout  time.Duration
}

func NewAMQPPublisher(ch amqpChannel, exchange string, timeout time.Duration) *AMQPPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, timeout: timeout}
}

// Declare makes sure the exchange exists.
func (p *AMQPPublisher) Declare() error {
	if err := p.ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return nil
}

func RoutingKey(kind Kind) string { return "worktime." + string(kind) }

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}
