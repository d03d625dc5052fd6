package messaging

import (
	"context"
	"fmt"
	"runtime/debug"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// Handler processes one received message. Returning an error nacks the
// delivery; returning nil acks it unless ack was already used.
type Handler func(ctx context.Context, msg *contracts.Message, ack AckControls) error

// HandlerFunc adapts a handler that never fails and never settles
// explicitly.
func HandlerFunc(fn func(ctx context.Context, msg *contracts.Message)) Handler {
	return func(ctx context.Context, msg *contracts.Message, _ AckControls) error {
		fn(ctx, msg)
		return nil
	}
}

func envelopeOf(d amqp.Delivery) contracts.Envelope {
	return contracts.Envelope{
		Body:          d.Body,
		Type:          d.Type,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Redelivered:   d.Redelivered,
	}
}

// typedHandler runs handler for deliveries of typeID and routes every
// other type to the error queue.
func (b *Bus) typedHandler(queue, typeID string, handler Handler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		msg, ok := b.decode(ctx, queue, d)
		if !ok {
			return
		}
		if d.Type != typeID {
			b.rejectMismatch(ctx, queue, d, msg, typeID)
			return
		}

		ctrl := b.newAckController(ctx, queue, d, msg)
		if err := b.invoke(ctrl, func() error { return handler(ctx, msg, ctrl) }); err != nil {
			return
		}
		ctrl.settle(OutcomeAcked)
	}
}

// decode unframes a delivery. An undecodable body is routed to the error
// queue and acked.
func (b *Bus) decode(ctx context.Context, queue string, d amqp.Delivery) (*contracts.Message, bool) {
	msg, err := serialization.Decode(envelopeOf(d))
	if err == nil {
		return msg, true
	}

	b.logger.Error("failed to decode delivery",
		"queue", queue,
		"typeId", d.Type,
		"error", err)
	b.routeError(ctx, d.Type, d.Body, err.Error(), "")
	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack malformed delivery", "queue", queue, "error", err)
	}
	b.metrics.RecordDelivery(queue, d.Type, OutcomeMalformed)
	return nil, false
}

// rejectMismatch routes a delivery of the wrong type to the error queue
// and acks it without running any handler.
func (b *Bus) rejectMismatch(ctx context.Context, queue string, d amqp.Delivery, msg *contracts.Message, expected string) {
	b.SendToErrorQueue(ctx, msg, fmt.Sprintf("%v: %s !== %s", contracts.ErrTypeMismatch, d.Type, expected), "")
	if err := d.Ack(false); err != nil {
		b.logger.Error("failed to ack mismatched delivery", "queue", queue, "error", err)
	}
	b.metrics.RecordDelivery(queue, d.Type, OutcomeTypeMismatch)
}

// invoke runs fn and turns a returned error or a panic into a nack.
func (b *Bus) invoke(ctrl *ackController, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			ctrl.fail(err, string(debug.Stack()))
		}
	}()

	if err := fn(); err != nil {
		ctrl.fail(err, "")
		return err
	}
	return nil
}
