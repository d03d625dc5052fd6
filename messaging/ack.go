package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/hutch-go/contracts"
)

// AckControls settles the delivery a handler is working on. Only the first
// Ack or Nack reaches the broker; later calls are no-ops. A handler that
// calls none of them gets its delivery acked when it returns nil.
type AckControls interface {
	// Ack acknowledges the delivery.
	Ack() error

	// Nack rejects the delivery for redelivery. A delivery that was already
	// redelivered is sent to the error queue with reason instead.
	Nack(reason string) error

	// Defer postpones settlement: the delivery is nacked unless Ack or Nack
	// is called within timeout. Zero uses the bus default. Defer only
	// applies to a delivery that is still pending.
	Defer(timeout time.Duration)
}

type ackState int

const (
	ackPending ackState = iota
	ackDeferred
	ackAcked
	ackNacked
)

func (s ackState) String() string {
	switch s {
	case ackPending:
		return "pending"
	case ackDeferred:
		return "deferred"
	case ackAcked:
		return "acked"
	case ackNacked:
		return "nacked"
	default:
		return "unknown"
	}
}

func (s ackState) terminal() bool {
	return s == ackAcked || s == ackNacked
}

const deferredTimeoutReason = "deferred acknowledgment timed out"

// ackController is the per-delivery settlement state. State changes happen
// under mu; broker calls happen after it is released.
type ackController struct {
	bus            *Bus
	ctx            context.Context
	queue          string
	delivery       amqp.Delivery
	msg            *contracts.Message
	defaultTimeout time.Duration

	mu    sync.Mutex
	state ackState
	timer *time.Timer
}

func (b *Bus) newAckController(ctx context.Context, queue string, d amqp.Delivery, msg *contracts.Message) *ackController {
	return &ackController{
		bus:            b,
		ctx:            ctx,
		queue:          queue,
		delivery:       d,
		msg:            msg,
		defaultTimeout: b.cfg.DeferredAckTimeout,
	}
}

func (c *ackController) Ack() error {
	if !c.transition(ackAcked) {
		return nil
	}
	return c.ack(OutcomeAcked)
}

func (c *ackController) Nack(reason string) error {
	if !c.transition(ackNacked) {
		return nil
	}
	return c.nack(reason, "", OutcomeNacked)
}

func (c *ackController) Defer(timeout time.Duration) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ackPending {
		return
	}
	c.state = ackDeferred

	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		c.mu.Lock()
		if c.state != ackDeferred || c.timer != timer {
			c.mu.Unlock()
			return
		}
		c.state = ackNacked
		c.timer = nil
		c.mu.Unlock()

		c.bus.logger.Warn("deferred acknowledgment timed out",
			"queue", c.queue,
			"typeId", c.delivery.Type,
			"timeout", timeout)
		c.nack(deferredTimeoutReason, "", OutcomeDeferredTimeout)
	})
	c.timer = timer
}

// settle acks a delivery its handler left pending.
func (c *ackController) settle(outcome DeliveryOutcome) {
	c.mu.Lock()
	if c.state != ackPending {
		c.mu.Unlock()
		return
	}
	c.state = ackAcked
	c.mu.Unlock()

	c.ack(outcome)
}

// fail nacks the delivery after a handler error. A delivery that is
// already settled only gets the failure logged.
func (c *ackController) fail(err error, stack string) {
	if !c.transition(ackNacked) {
		c.bus.logger.Error("handler failed after settling its delivery",
			"queue", c.queue,
			"typeId", c.delivery.Type,
			"error", err)
		return
	}

	c.bus.logger.Error("handler failed",
		"queue", c.queue,
		"typeId", c.delivery.Type,
		"redelivered", c.delivery.Redelivered,
		"error", err)
	c.nack(err.Error(), stack, OutcomeNacked)
}

// current returns the settlement state.
func (c *ackController) current() ackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves a pending or deferred delivery to a terminal state and
// stops its timer. It reports false when the delivery was already settled.
func (c *ackController) transition(to ackState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.terminal() {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = to
	return true
}

func (c *ackController) ack(outcome DeliveryOutcome) error {
	err := c.delivery.Ack(false)
	if err != nil {
		c.bus.logger.Error("failed to ack delivery",
			"queue", c.queue,
			"typeId", c.delivery.Type,
			"error", err)
	}
	c.bus.metrics.RecordDelivery(c.queue, c.delivery.Type, outcome)
	return err
}

// nack requeues a first delivery. A redelivered one may not be nacked
// again: it goes to the error queue and is acked instead.
func (c *ackController) nack(reason, stack string, outcome DeliveryOutcome) error {
	if !c.delivery.Redelivered {
		err := c.delivery.Nack(false, true)
		if err != nil {
			c.bus.logger.Error("failed to nack delivery",
				"queue", c.queue,
				"typeId", c.delivery.Type,
				"error", err)
		}
		c.bus.metrics.RecordDelivery(c.queue, c.delivery.Type, outcome)
		return err
	}

	errText := contracts.ErrDoubleNack.Error()
	if reason != "" {
		errText = fmt.Sprintf("%s: %s", errText, reason)
	}
	c.bus.SendToErrorQueue(context.WithoutCancel(c.ctx), c.msg, errText, stack)

	return c.ack(OutcomeErrorRouted)
}
