package messaging

import (
	"context"
	"fmt"
)

// QueueStatus is the broker's view of a queue.
type QueueStatus struct {
	Queue         string
	MessageCount  int
	ConsumerCount int
}

// ExtendedBus adds broker administration to a Bus. Each operation runs on
// a short-lived channel, so a broker refusal never affects the publish
// channel or any consumer.
type ExtendedBus struct {
	*Bus
}

// NewExtendedBus connects like NewBus.
func NewExtendedBus(ctx context.Context, cfg Config, options ...BusOption) (*ExtendedBus, error) {
	b, err := NewBus(ctx, cfg, options...)
	if err != nil {
		return nil, err
	}
	return &ExtendedBus{Bus: b}, nil
}

// CancelConsumer stops a consumer this bus started.
func (e *ExtendedBus) CancelConsumer(tag string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	c, ok := e.lookup(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, tag)
	}
	return c.sub.Cancel()
}

// DeleteExchange deletes an exchange. With ifUnused the broker refuses
// while queues are still bound to it.
func (e *ExtendedBus) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.topology.DeleteExchange(ctx, name, ifUnused)
}

// DeleteQueue deletes a queue and returns how many messages it held.
func (e *ExtendedBus) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.topology.DeleteQueue(ctx, name, ifUnused, ifEmpty)
}

// DeleteQueueUnconditional deletes a queue whatever its consumers or
// messages.
func (e *ExtendedBus) DeleteQueueUnconditional(ctx context.Context, name string) (int, error) {
	return e.DeleteQueue(ctx, name, false, false)
}

// QueueStatus inspects a queue without declaring it. A missing queue is an
// error that satisfies rabbitmq.IsNotFound.
func (e *ExtendedBus) QueueStatus(ctx context.Context, name string) (QueueStatus, error) {
	if err := e.checkOpen(); err != nil {
		return QueueStatus{}, err
	}
	q, err := e.topology.GetQueueInfo(ctx, name)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Queue:         q.Name,
		MessageCount:  q.Messages,
		ConsumerCount: q.Consumers,
	}, nil
}

// PurgeQueue removes the ready messages of a queue and returns how many
// there were.
func (e *ExtendedBus) PurgeQueue(ctx context.Context, name string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.topology.PurgeQueue(ctx, name)
}
