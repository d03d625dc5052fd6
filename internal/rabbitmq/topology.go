package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages exchanges, queues and bindings on pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DurableTopicExchange is the exchange a published message type lands on.
func DurableTopicExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: ExchangeTopic, Durable: true}
}

// DurableDirectExchange declares a durable direct exchange.
func DurableDirectExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{Name: name, Type: ExchangeDirect, Durable: true}
}

// DurableQueue is a durable, shared, non-auto-delete queue.
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{Name: name, Durable: true}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return DeclareExchange(ch, exchange)
	})
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = DeclareQueue(ch, queue)
		return err
	})
	return q, err
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return BindQueue(ch, binding)
	})
}

// DeleteQueue deletes a queue and returns the number of messages it held
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		purged, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		if err != nil {
			return topologyError("queue", name, "delete", err)
		}
		return nil
	})
	return purged, err
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		if err := ch.ExchangeDelete(name, ifUnused, false); err != nil {
			return topologyError("exchange", name, "delete", err)
		}
		return nil
	})
}

// PurgeQueue removes every ready message from a queue
func (tm *TopologyManager) PurgeQueue(ctx context.Context, name string) (int, error) {
	var purged int
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		purged, err = ch.QueuePurge(name, false)
		if err != nil {
			return topologyError("queue", name, "purge", err)
		}
		return nil
	})
	return purged, err
}

// GetQueueInfo inspects a queue with a passive declare
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return topologyError("queue", name, "inspect", err)
		}
		return nil
	})
	return q, err
}

// DeclareExchange declares an exchange on the given channel
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on the given channel
func BindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
	}
	return nil
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
