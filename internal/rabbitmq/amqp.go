package rabbitmq

import (
	"context"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer dials a real broker with amqp091-go.
type AMQPDialer struct{}

// Dial opens a connection. The context bounds nothing inside amqp091-go;
// ConnectionManager enforces the connect timeout around this call.
func (AMQPDialer) Dial(_ context.Context, url string, cfg DialConfig) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Vhost:     cfg.Vhost,
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
	confirming atomic.Bool
}

func (c *amqpChannel) Confirm(noWait bool) error {
	if err := c.Channel.Confirm(noWait); err != nil {
		return err
	}
	c.confirming.Store(true)
	return nil
}

func (c *amqpChannel) PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if !c.confirming.Load() {
		return c.Channel.PublishWithContext(ctx, exchange, key, false, false, msg)
	}

	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("%w: delivery tag %d", ErrPublishNotConfirmed, dc.DeliveryTag)
	}
	return nil
}
