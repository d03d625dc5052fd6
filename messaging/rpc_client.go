package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/hutch-go/contracts"
	"github.com/glimte/hutch-go/internal/rabbitmq"
	"github.com/glimte/hutch-go/serialization"
)

// rpcClient multiplexes every Request of a bus over one exclusive reply
// queue. Replies are matched to callers by correlation id.
type rpcClient struct {
	bus   *Bus
	setup singleflight.Group

	mu         sync.Mutex
	replyQueue string
	sub        *rabbitmq.Subscription
	pending    map[string]*pendingCall
	closed     bool
}

type pendingCall struct {
	typeID string
	result chan rpcResult
	timer  *time.Timer
}

type rpcResult struct {
	msg *contracts.Message
	err error
}

func newRPCClient(b *Bus) *rpcClient {
	return &rpcClient{
		bus:     b,
		pending: make(map[string]*pendingCall),
	}
}

// Request publishes msg to the RPC exchange with its TypeID as routing key
// and waits for the reply. The call fails with ErrRPCTimeout when no reply
// arrives within the configured RPC timeout, and with ctx.Err() when ctx
// ends first; a reply arriving after either is dropped.
func (b *Bus) Request(ctx context.Context, msg *contracts.Message) (*contracts.Message, error) {
	env, err := serialization.Encode(msg)
	if err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.rpc.request(ctx, msg.TypeID, env)
}

// PendingRequests returns the number of calls waiting for a reply.
func (b *Bus) PendingRequests() int {
	return b.rpc.size()
}

func (c *rpcClient) request(ctx context.Context, typeID string, env contracts.Envelope) (*contracts.Message, error) {
	start := time.Now()

	replyTo, err := c.ensureReplyQueue(ctx)
	if err != nil {
		c.bus.metrics.RecordRPC(typeID, RPCOutcomeFailed, time.Since(start))
		return nil, err
	}
	if err := c.bus.topology.DeclareExchange(ctx, rabbitmq.DurableDirectExchange(RPCExchange)); err != nil {
		c.bus.metrics.RecordRPC(typeID, RPCOutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("failed to declare RPC exchange: %w", err)
	}

	correlationID := uuid.NewString()
	env.CorrelationID = correlationID
	env.ReplyTo = replyTo

	call, err := c.register(correlationID, typeID)
	if err != nil {
		return nil, err
	}

	if err := c.bus.publish(ctx, RPCExchange, typeID, env); err != nil {
		c.remove(correlationID)
		c.bus.metrics.RecordRPC(typeID, RPCOutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("failed to publish request %s: %w", typeID, err)
	}

	var res rpcResult
	select {
	case res = <-call.result:
	case <-ctx.Done():
		if c.remove(correlationID) {
			c.bus.metrics.RecordRPC(typeID, RPCOutcomeCancelled, time.Since(start))
			return nil, ctx.Err()
		}
		// resolved concurrently; the result is already buffered
		res = <-call.result
	}

	outcome := RPCOutcomeOK
	switch {
	case errors.Is(res.err, contracts.ErrRPCTimeout):
		outcome = RPCOutcomeTimeout
	case res.err != nil:
		outcome = RPCOutcomeFailed
	}
	c.bus.metrics.RecordRPC(typeID, outcome, time.Since(start))

	return res.msg, res.err
}

// ensureReplyQueue declares and consumes the reply queue once per bus.
// Concurrent first callers share the same setup.
func (c *rpcClient) ensureReplyQueue(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrBusClosed
	}
	if c.replyQueue != "" {
		queue := c.replyQueue
		c.mu.Unlock()
		return queue, nil
	}
	c.mu.Unlock()

	v, err, _ := c.setup.Do("reply-queue", func() (interface{}, error) {
		c.mu.Lock()
		if c.replyQueue != "" {
			queue := c.replyQueue
			c.mu.Unlock()
			return queue, nil
		}
		c.mu.Unlock()

		// one caller's cancellation must not fail the others waiting here
		setupCtx := context.WithoutCancel(ctx)

		queue := ReplyQueuePrefix + uuid.NewString()
		_, err := c.bus.topology.DeclareQueue(setupCtx, rabbitmq.QueueDeclaration{
			Name:       queue,
			Durable:    false,
			Exclusive:  true,
			AutoDelete: true,
		})
		if err != nil {
			return "", fmt.Errorf("failed to declare reply queue: %w", err)
		}

		sub, err := c.bus.consumer.Subscribe(setupCtx, queue, c.handleReply, rabbitmq.SubscribeOptions{Exclusive: true})
		if err != nil {
			return "", fmt.Errorf("failed to consume reply queue: %w", err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sub.Close()
			return "", ErrBusClosed
		}
		c.replyQueue = queue
		c.sub = sub
		c.mu.Unlock()

		go c.watch(sub)

		c.bus.logger.Info("RPC reply queue ready", "queue", queue, "consumerTag", sub.Tag())
		return queue, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// watch forgets the reply queue when its consumer stops, so the next
// Request sets up a new one.
func (c *rpcClient) watch(sub *rabbitmq.Subscription) {
	<-sub.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != sub {
		return
	}
	c.sub = nil
	c.replyQueue = ""
	if !c.closed {
		c.bus.logger.Warn("RPC reply consumer stopped", "queue", sub.Queue())
	}
}

func (c *rpcClient) register(correlationID, typeID string) (*pendingCall, error) {
	call := &pendingCall{
		typeID: typeID,
		result: make(chan rpcResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrBusClosed
	}
	c.pending[correlationID] = call
	call.timer = time.AfterFunc(c.bus.cfg.RPCTimeout, func() {
		c.expire(correlationID)
	})
	n := len(c.pending)
	c.mu.Unlock()

	c.bus.metrics.SetPendingRPCs(n)
	return call, nil
}

// take removes a pending call. It returns nil when the call is already
// finished.
func (c *rpcClient) take(correlationID string) *pendingCall {
	c.mu.Lock()
	call, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
		call.timer.Stop()
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.bus.metrics.SetPendingRPCs(n)
	return call
}

func (c *rpcClient) remove(correlationID string) bool {
	return c.take(correlationID) != nil
}

func (c *rpcClient) expire(correlationID string) {
	call := c.take(correlationID)
	if call == nil {
		return
	}
	c.bus.logger.Warn("RPC request timed out",
		"typeId", call.typeID,
		"correlationId", correlationID,
		"timeout", c.bus.cfg.RPCTimeout)
	call.result <- rpcResult{err: fmt.Errorf("%w, correlationId: %s", contracts.ErrRPCTimeout, correlationID)}
}

// handleReply acks every reply and hands it to the waiting caller, if any.
func (c *rpcClient) handleReply(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.bus.logger.Error("failed to ack RPC reply", "correlationId", d.CorrelationId, "error", err)
	}

	call := c.take(d.CorrelationId)
	if call == nil {
		c.bus.logger.Warn("dropping RPC reply with unknown correlation id",
			"correlationId", d.CorrelationId,
			"typeId", d.Type)
		return
	}

	msg, err := serialization.Decode(envelopeOf(d))
	if err != nil {
		call.result <- rpcResult{err: fmt.Errorf("reply to %s: %w", call.typeID, err)}
		return
	}
	call.result <- rpcResult{msg: msg}
}

func (c *rpcClient) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// close fails every pending call with ErrBusClosed and stops the reply
// consumer.
func (c *rpcClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	sub := c.sub
	c.mu.Unlock()

	for _, call := range pending {
		call.timer.Stop()
		call.result <- rpcResult{err: ErrBusClosed}
	}
	c.bus.metrics.SetPendingRPCs(0)

	if sub != nil {
		if err := sub.Close(); err != nil {
			c.bus.logger.Warn("failed to close RPC reply consumer", "error", err)
		}
	}
}
