package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// TypeHandler registers a handler for one TypeID in ReceiveTypes.
type TypeHandler struct {
	TypeID  string
	Handler Handler
}

// Send delivers msg straight to queue through the default exchange,
// declaring the queue durable if needed.
func (b *Bus) Send(ctx context.Context, queue string, msg *contracts.Message) error {
	env, err := serialization.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(queue)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := b.publish(ctx, "", queue, env); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.TypeID, queue, err)
	}
	return nil
}

// Receive consumes messages of typeID from queue. Deliveries of any other
// type are routed to the error queue.
func (b *Bus) Receive(ctx context.Context, typeID, queue string, handler Handler, options ...SubscribeOption) (*Consumer, error) {
	if err := contracts.ValidateTypeID(typeID); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler for %s", contracts.ErrInvalidHandler, typeID)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	opts := &subscribeOptions{}
	for _, opt := range options {
		opt(opts)
	}

	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(queue)); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	c, err := b.startConsumer(ctx, queue, opts.prefetch, b.typedHandler(queue, typeID, handler))
	if err != nil {
		return nil, err
	}

	b.logger.Info("receiving", "typeId", typeID, "queue", queue, "consumerTag", c.Tag())
	return c, nil
}

// ReceiveTypes consumes several message types from one queue. Every
// handler registered for a delivery's type runs, in registration order,
// until one fails. Deliveries no handler is registered for are acked.
func (b *Bus) ReceiveTypes(ctx context.Context, queue string, handlers []TypeHandler, options ...SubscribeOption) (*Consumer, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: no handlers for %s", contracts.ErrInvalidHandler, queue)
	}
	for _, h := range handlers {
		if err := contracts.ValidateTypeID(h.TypeID); err != nil {
			return nil, err
		}
		if h.Handler == nil {
			return nil, fmt.Errorf("%w: nil handler for %s", contracts.ErrInvalidHandler, h.TypeID)
		}
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	opts := &subscribeOptions{}
	for _, opt := range options {
		opt(opts)
	}

	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(queue)); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	registered := append([]TypeHandler(nil), handlers...)
	c, err := b.startConsumer(ctx, queue, opts.prefetch, b.multiTypeHandler(queue, registered))
	if err != nil {
		return nil, err
	}

	b.logger.Info("receiving",
		"typeIds", lo.Uniq(lo.Map(registered, func(h TypeHandler, _ int) string { return h.TypeID })),
		"queue", queue,
		"consumerTag", c.Tag())
	return c, nil
}

// multiTypeHandler shares one ack controller across all matching handlers,
// so the broker sees a single settlement per delivery.
func (b *Bus) multiTypeHandler(queue string, handlers []TypeHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		msg, ok := b.decode(ctx, queue, d)
		if !ok {
			return
		}

		ctrl := b.newAckController(ctx, queue, d, msg)

		matched := lo.Filter(handlers, func(h TypeHandler, _ int) bool {
			return h.TypeID == d.Type
		})
		if len(matched) == 0 {
			b.logger.Debug("no handler for delivery type", "queue", queue, "typeId", d.Type)
			ctrl.settle(OutcomeUnmatched)
			return
		}

		for _, h := range matched {
			if err := b.invoke(ctrl, func() error { return h.Handler(ctx, msg, ctrl) }); err != nil {
				return
			}
		}
		ctrl.settle(OutcomeAcked)
	}
}
