package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	ReleaseExchange = "coordinator.releases"
	ReleaseQueue    = "releases.pending"
	ReleaseKey      = "release.requested"
	RollbackQueue   = "rollbacks.pending"
	RollbackKey     = "rollback.requested"
	DeadLetterQueue = "coordinator.dlq"
)

type Client struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewClient(url string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	return &Client{
		conn:    conn,
		channel: ch,
	}, nil
}

func declareTopology(ch *amqp091.Channel) error {
	err := ch.ExchangeDeclare(
		ReleaseExchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare release exchange: %w", err)
	}

	queues := []struct {
		name string
		key  string
	}{
		{ReleaseQueue, ReleaseKey},
		{RollbackQueue, RollbackKey},
	}

	for _, q := range queues {
		_, err = ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			nil,    // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}

		err = ch.QueueBind(
			q.name,          // queue name
			q.key,           // routing key
			ReleaseExchange, // exchange
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}
	}

	_, err = ch.QueueDeclare(
		DeadLetterQueue, // name
		true,            // durable
		false,           // delete when unused
		false,           // exclusive
		false,           // no-wait
		amqp091.Table{
			"x-message-ttl": 604800000, // 7 days in milliseconds
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return nil
}

func (c *Client) Channel() *amqp091.Channel {
	return c.channel
}

// PublishJSON marshals payload and publishes it as a persistent message.
func (c *Client) PublishJSON(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return c.channel.PublishWithContext(ctx,
		ReleaseExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Body:         body,
		})
}

func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
