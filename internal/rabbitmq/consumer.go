package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerTagPrefix starts every generated consumer tag.
const ConsumerTagPrefix = "hutch-"

// MessageHandler processes one delivery. Acknowledgment is the handler's job.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer starts consumers, each on its own channel so prefetch and
// acknowledgment scope stay isolated.
type Consumer struct {
	manager         *ConnectionManager
	prefetchCount   int
	logger          *slog.Logger
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SubscribeOptions tunes a single subscription
type SubscribeOptions struct {
	PrefetchCount int // 0 uses the consumer default
	Exclusive     bool
}

// Subscription is one running consumer
type Subscription struct {
	queue  string
	tag    string
	ch     Channel
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	closed    bool
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string { return s.queue }

// Tag returns the consumer tag
func (s *Subscription) Tag() string { return s.tag }

// Done is closed once the delivery loop has exited
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel stops new deliveries. Deliveries already handed out stay
// acknowledgeable until Close.
func (s *Subscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled || s.closed {
		return nil
	}
	if err := s.ch.Cancel(s.tag, false); err != nil {
		return &ConsumerError{
			Queue:       s.queue,
			ConsumerTag: s.tag,
			Op:          "cancel",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	s.cancelled = true
	return nil
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries are returned to the queue by the broker.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}

// Subscribe starts consuming messages from a queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, opts SubscribeOptions) (*Subscription, error) {
	tag := ConsumerTagPrefix + uuid.NewString()

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = c.prefetchCount
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	sub := &Subscription{
		queue:  queue,
		tag:    tag,
		ch:     ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.activeConsumers.Store(tag, sub)

	go c.processMessages(consumerCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
	)

	return sub, nil
}

// processMessages runs until the broker closes the delivery stream, which
// happens on cancel, channel close or connection loss
func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.activeConsumers.Delete(sub.tag)
		c.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", sub.tag)
		close(sub.done)
	}()

	for delivery := range deliveries {
		handler(ctx, delivery)
	}
}

// Lookup returns an active subscription by consumer tag
func (c *Consumer) Lookup(tag string) (*Subscription, bool) {
	value, ok := c.activeConsumers.Load(tag)
	if !ok {
		return nil, false
	}
	return value.(*Subscription), true
}

// GetActiveConsumers returns the tags of every running consumer
func (c *Consumer) GetActiveConsumers() []string {
	var tags []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}

// CloseAll closes every running consumer and waits for their loops to exit
func (c *Consumer) CloseAll(ctx context.Context) error {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscription)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Close(); err != nil {
				c.logger.Error("failed to close consumer", "consumerTag", sub.tag, "queue", sub.queue, "error", err)
			}
			select {
			case <-sub.done:
			case <-ctx.Done():
			}
		}()
		return true
	})

	wg.Wait()
	return ctx.Err()
}
