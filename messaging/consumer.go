package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/hutch-go/internal/rabbitmq"
)

// ErrConsumerNotFound is returned when a consumer tag is not owned by the bus.
var ErrConsumerNotFound = errors.New("consumer not found")

// Consumer is the handle returned by Subscribe, Receive, ReceiveTypes,
// Respond and RespondAsync. Its disposal methods report failure as false
// instead of returning an error.
type Consumer struct {
	bus *Bus
	sub *rabbitmq.Subscription
}

// Queue returns the consumed queue.
func (c *Consumer) Queue() string { return c.sub.Queue() }

// Tag returns the consumer tag.
func (c *Consumer) Tag() string { return c.sub.Tag() }

// Done is closed once the consumer has stopped receiving.
func (c *Consumer) Done() <-chan struct{} { return c.sub.Done() }

// CancelConsumer stops new deliveries. Deliveries already handed to a
// handler can still be acked or nacked.
func (c *Consumer) CancelConsumer() bool {
	if err := c.sub.Cancel(); err != nil {
		c.bus.logger.Warn("failed to cancel consumer", "consumerTag", c.Tag(), "queue", c.Queue(), "error", err)
		return false
	}
	return true
}

// DeleteQueue deletes the consumed queue and its messages.
func (c *Consumer) DeleteQueue(ctx context.Context) bool {
	if _, err := c.bus.topology.DeleteQueue(ctx, c.Queue(), false, false); err != nil {
		c.bus.logger.Warn("failed to delete queue", "queue", c.Queue(), "error", err)
		return false
	}
	return true
}

// PurgeQueue removes the ready messages from the consumed queue.
func (c *Consumer) PurgeQueue(ctx context.Context) bool {
	if _, err := c.bus.topology.PurgeQueue(ctx, c.Queue()); err != nil {
		c.bus.logger.Warn("failed to purge queue", "queue", c.Queue(), "error", err)
		return false
	}
	return true
}

// Close cancels the consumer and closes its channel; unsettled deliveries
// go back to the queue.
func (c *Consumer) Close() error {
	c.bus.forget(c.Tag())
	return c.sub.Close()
}

// startConsumer consumes queue on a dedicated channel and registers the
// handle with the bus.
func (b *Bus) startConsumer(ctx context.Context, queue string, prefetch int, handler rabbitmq.MessageHandler) (*Consumer, error) {
	sub, err := b.consumer.Subscribe(ctx, queue, handler, rabbitmq.SubscribeOptions{PrefetchCount: prefetch})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	c := &Consumer{bus: b, sub: sub}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		return nil, ErrBusClosed
	}
	b.consumers[sub.Tag()] = c
	b.mu.Unlock()

	return c, nil
}

func (b *Bus) lookup(tag string) (*Consumer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[tag]
	return c, ok
}

func (b *Bus) forget(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, tag)
}

// Consumers returns the tags of the consumers this bus started and has not
// closed.
func (b *Bus) Consumers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tags := make([]string, 0, len(b.consumers))
	for tag := range b.consumers {
		tags = append(tags, tag)
	}
	return tags
}
