// Package pickupfeed carries pickup-status updates between instances over
// RabbitMQ. Each node publishes updates to a fanout exchange and feeds the
// ones it consumes into its in-process hub, so every node's SSE
// subscribers see every pickup regardless of which node handled it.
package pickupfeed

import (
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/zlog"

	"memberevents/internal/pubsub"
)

type Broker struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
}

func NewBroker(url, exchange string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to connect to RabbitMQ")
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		zlog.Logger.Error().Err(err).Msg("failed to open RabbitMQ channel")
		return nil, err
	}

	b := &Broker{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		b.Close()
		zlog.Logger.Error().Err(err).Msg("failed to declare exchange")
		return nil, err
	}

	// Exclusive auto-delete queue: this node's private feed of updates.
	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		b.Close()
		zlog.Logger.Error().Err(err).Msg("failed to declare queue")
		return nil, err
	}
	b.queue = q.Name

	if err := ch.QueueBind(
		b.queue,
		"",
		exchange,
		false,
		nil,
	); err != nil {
		b.Close()
		zlog.Logger.Error().Err(err).Msg("failed to bind queue")
		return nil, err
	}

	zlog.Logger.Info().Msgf("pickup feed initialized (exchange=%s, queue=%s)", exchange, b.queue)
	return b, nil
}

func (b *Broker) Close() {
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
	zlog.Logger.Info().Msg("pickup feed connection closed")
}

func (b *Broker) Publish(u pubsub.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return err
	}
	err = b.channel.Publish(
		b.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to publish pickup update")
	}
	return err
}

func (b *Broker) Consume(handler func([]byte) error) error {
	msgs, err := b.channel.Consume(
		b.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to start consuming pickup updates")
		return err
	}

	go func() {
		for d := range msgs {
			if err := handler(d.Body); err != nil {
				zlog.Logger.Warn().Msgf("failed to process pickup update: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}()

	zlog.Logger.Info().Msgf("consuming pickup updates from queue %s", b.queue)
	return nil
}
