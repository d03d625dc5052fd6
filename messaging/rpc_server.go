package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// Responder answers one request. The returned message is published to the
// requester's reply queue; an error or a nil response nacks the request
// and sends no reply.
type Responder func(ctx context.Context, req *contracts.Message, ack AckControls) (*contracts.Message, error)

// RespondOptions configures RespondAsync.
type RespondOptions struct {
	RequestType  string
	ResponseType string
	// Queue defaults to RequestType. Responders that share a queue share
	// the load; responders on distinct queues each answer every request.
	Queue    string
	Prefetch int
}

// Respond answers requests of requestType with responses of responseType,
// one request at a time, from the durable queue named after requestType.
func (b *Bus) Respond(ctx context.Context, requestType, responseType string, responder Responder) (*Consumer, error) {
	return b.respond(ctx, RespondOptions{RequestType: requestType, ResponseType: responseType}, responder, false)
}

// RespondAsync is Respond with each request answered on its own goroutine,
// up to the prefetch count at once.
func (b *Bus) RespondAsync(ctx context.Context, opts RespondOptions, responder Responder) (*Consumer, error) {
	return b.respond(ctx, opts, responder, true)
}

func (b *Bus) respond(ctx context.Context, opts RespondOptions, responder Responder, async bool) (*Consumer, error) {
	if err := contracts.ValidateTypeID(opts.RequestType); err != nil {
		return nil, err
	}
	if err := contracts.ValidateTypeID(opts.ResponseType); err != nil {
		return nil, err
	}
	if responder == nil {
		return nil, fmt.Errorf("%w: nil responder for %s", contracts.ErrInvalidHandler, opts.RequestType)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Queue == "" {
		opts.Queue = opts.RequestType
	}

	if err := b.topology.DeclareExchange(ctx, rabbitmq.DurableDirectExchange(RPCExchange)); err != nil {
		return nil, fmt.Errorf("failed to declare RPC exchange: %w", err)
	}
	if _, err := b.topology.DeclareQueue(ctx, rabbitmq.DurableQueue(opts.Queue)); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", opts.Queue, err)
	}
	err := b.topology.BindQueue(ctx, rabbitmq.Binding{
		Queue:      opts.Queue,
		Exchange:   RPCExchange,
		RoutingKey: opts.RequestType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s to %s: %w", opts.Queue, RPCExchange, err)
	}

	handler := func(ctx context.Context, d amqp.Delivery) {
		b.answer(ctx, opts, d, responder)
	}
	if async {
		handler = func(ctx context.Context, d amqp.Delivery) {
			b.answers.Add(1)
			go func() {
				defer b.answers.Done()
				b.answer(ctx, opts, d, responder)
			}()
		}
	}

	c, err := b.startConsumer(ctx, opts.Queue, opts.Prefetch, handler)
	if err != nil {
		return nil, err
	}

	b.logger.Info("responding",
		"requestType", opts.RequestType,
		"responseType", opts.ResponseType,
		"queue", opts.Queue,
		"async", async,
		"consumerTag", c.Tag())
	return c, nil
}

// answer runs the responder for one request and publishes its reply
// before settling the request.
func (b *Bus) answer(ctx context.Context, opts RespondOptions, d amqp.Delivery, responder Responder) {
	req, ok := b.decode(ctx, opts.Queue, d)
	if !ok {
		return
	}
	if d.Type != opts.RequestType {
		b.rejectMismatch(ctx, opts.Queue, d, req, opts.RequestType)
		return
	}

	ctrl := b.newAckController(ctx, opts.Queue, d, req)

	var resp *contracts.Message
	err := b.invoke(ctrl, func() error {
		var err error
		resp, err = responder(ctx, req, ctrl)
		return err
	})
	if err != nil {
		return
	}

	if resp == nil {
		ctrl.fail(fmt.Errorf("responder for %s returned no response", opts.RequestType), "")
		return
	}
	if resp.TypeID == "" {
		resp = &contracts.Message{TypeID: opts.ResponseType, Fields: resp.Fields}
	}
	if resp.TypeID != opts.ResponseType {
		ctrl.fail(fmt.Errorf("%w: %s !== %s", contracts.ErrTypeMismatch, resp.TypeID, opts.ResponseType), "")
		return
	}

	if d.ReplyTo == "" {
		b.logger.Warn("request has no replyTo, dropping response",
			"requestType", opts.RequestType,
			"correlationId", d.CorrelationId)
		ctrl.settle(OutcomeAcked)
		return
	}

	env, err := serialization.Encode(resp)
	if err != nil {
		ctrl.fail(err, "")
		return
	}
	env.CorrelationID = d.CorrelationId

	if err := b.publish(context.WithoutCancel(ctx), "", d.ReplyTo, env); err != nil {
		b.logger.Error("failed to publish reply",
			"replyTo", d.ReplyTo,
			"correlationId", d.CorrelationId,
			"error", err)
		ctrl.fail(err, "")
		return
	}
	ctrl.settle(OutcomeAcked)
}
