package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// DefaultTopic binds a subscription to every routing key.
const DefaultTopic = "#"

type subscribeOptions struct {
	topic    string
	prefetch int
}

// SubscribeOption configures Subscribe
type SubscribeOption func(*subscribeOptions)

// WithTopic binds the subscription queue with a topic pattern instead of "#".
func WithTopic(topic string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.topic = topic
	}
}

// WithPrefetch overrides the bus prefetch count for one consumer.
func WithPrefetch(prefetch int) SubscribeOption {
	return func(o *subscribeOptions) {
		o.prefetch = prefetch
	}
}

// SubscriptionQueue is the queue Subscribe consumes for a type and
// subscriber name.
func SubscriptionQueue(typeID, subscriberName string) string {
	return typeID + "_" + subscriberName
}

// Publish publishes msg to the topic exchange named after its TypeID with
// an empty routing key.
func (b *Bus) Publish(ctx context.Context, msg *contracts.Message) error {
	return b.PublishTopic(ctx, msg, "")
}

// PublishTopic publishes msg to the topic exchange named after its TypeID,
// using topic as the routing key. The exchange is declared if needed.
func (b *Bus) PublishTopic(ctx context.Context, msg *contracts.Message, topic string) error {
	env, err := serialization.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	if err := b.topology.DeclareExchange(ctx, rabbitmq.DurableTopicExchange(msg.TypeID)); err != nil {
		return fmt.Errorf("failed to declare exchange for %s: %w", msg.TypeID, err)
	}
	if err := b.publish(ctx, msg.TypeID, topic, env); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.TypeID, err)
	}
	return nil
}

// Subscribe consumes messages of typeID through the durable queue
// TypeID_subscriberName. Subscribers sharing a name share the queue and
// its load; each distinct name gets its own copy of every message.
func (b *Bus) Subscribe(ctx context.Context, typeID, subscriberName string, handler Handler, options ...SubscribeOption) (*Consumer, error) {
	if err := contracts.ValidateTypeID(typeID); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for %s", contracts.ErrInvalidHandler, typeID)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	opts := &subscribeOptions{topic: DefaultTopic}
	for _, opt := range options {
		opt(opts)
	}

	queue := SubscriptionQueue(typeID, subscriberName)

	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(queue)); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := b.topology.DeclareExchange(ctx, rabbitmq.DurableTopicExchange(typeID)); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", typeID, err)
	}
	err := b.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      queue,
		Exchange:   typeID,
		RoutingKey: opts.topic,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s to %s: %w", queue, typeID, err)
	}

	c, err := b.startConsumer(ctx, queue, opts.prefetch, b.typedHandler(queue, typeID, handler))
	if err != nil {
		return nil, err
	}

	b.logger.Info("subscribed",
		"typeId", typeID,
		"queue", queue,
		"topic", opts.topic,
		"consumerTag", c.Tag())
	return c, nil
}
