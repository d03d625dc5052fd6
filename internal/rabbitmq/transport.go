package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds used by the bus.
const (
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
)

// DialConfig carries the connection parameters passed to a Dialer.
type DialConfig struct {
	Vhost     string
	Heartbeat time.Duration
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string, cfg DialConfig) (Connection, error)
}

// Connection is a broker connection that hands out channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of an AMQP channel the bus relies on. Deliveries
// returned by Consume carry their own Acknowledger.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)

	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error

	// PublishWithConfirm publishes and, when the channel is in confirm
	// mode, waits for the broker to confirm the message.
	PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) error

	IsClosed() bool
	Close() error
}
